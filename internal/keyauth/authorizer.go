package keyauth

import (
	"context"
	"sync"
	"time"

	"github.com/atinyakov/GophSSO/internal/metrics"
	"github.com/atinyakov/GophSSO/internal/models"
	"github.com/atinyakov/GophSSO/internal/ui"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every waiting state.
const DefaultTimeout = 5 * time.Minute

// EnvSource exposes the key handler state read by transitions.
type EnvSource interface {
	StorageFormatted() bool
	UnauthorizedKeyCount() int
}

// Listener receives decisions that are not answers to a query, such as
// approving a pending key after the user swapped keys.
type Listener interface {
	KeyAuthorized(key models.Key, d Decision)
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *Authorizer) {
		if log != nil {
			a.log = log
		}
	}
}

// WithTimeout overrides DefaultTimeout. A non-positive value disables
// timeouts.
func WithTimeout(d time.Duration) Option {
	return func(a *Authorizer) { a.timeout = d }
}

// Authorizer is the runtime around Transition.
type Authorizer struct {
	mu         sync.Mutex
	state      State
	generation uint64
	timer      *time.Timer
	timeout    time.Duration
	env        EnvSource
	listener   Listener

	ui  ui.SecureStorageUI
	log *zap.Logger
}

// New returns an Authorizer in the Idle state. When u is not nil the
// authorizer registers itself as its event handler.
func New(u ui.SecureStorageUI, opts ...Option) *Authorizer {
	a := &Authorizer{
		state:   Idle{},
		timeout: DefaultTimeout,
		ui:      u,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if u != nil {
		u.SetHandler(a.HandleUIEvent)
	}
	return a
}

// Bind attaches the environment and the decision listener.
func (a *Authorizer) Bind(env EnvSource, l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.env = env
	a.listener = l
}

// State returns the current state.
func (a *Authorizer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// QueryKeyAuthorization asks whether key may unlock storage.
func (a *Authorizer) QueryKeyAuthorization(ctx context.Context, key models.Key, reason Reason) Decision {
	if ctx.Err() != nil {
		return Denied
	}

	effects := a.apply(Query{Key: key, Reason: reason})

	decision := Denied
	rest := effects[:0:0]
	answered := false
	for _, eff := range effects {
		if d, ok := eff.(Decide); ok && !answered {
			decision = d.Decision
			answered = true
			continue
		}
		rest = append(rest, eff)
	}

	metrics.KeyAuthorizationDecisions.WithLabelValues(decision.String()).Inc()
	a.log.Debug("key authorization queried",
		zap.String("key", key.Fingerprint()),
		zap.Stringer("reason", reason),
		zap.Stringer("decision", decision),
	)
	a.execute(rest)
	return decision
}

// Handle feeds a non-query event to the state machine.
func (a *Authorizer) Handle(ev Event) {
	a.execute(a.apply(ev))
}

// HandleUIEvent translates a UI reply into an Event.
func (a *Authorizer) HandleUIEvent(e ui.Event) {
	switch e.Kind {
	case ui.NoKeyPresentAccepted:
		a.Handle(NoKeyPresentAccepted{})
	case ui.ClearPasswordsStorage:
		a.Handle(ClearStorage{})
	case ui.Rejected:
		a.Handle(UIRejected{})
	case ui.Error:
		a.log.Warn("secure storage ui failed", zap.Error(e.Err))
		a.Handle(UIError{Err: e.Err})
	default:
		a.log.Warn("unknown ui event", zap.Int("kind", int(e.Kind)))
	}
}

// Close stops any pending timeout.
func (a *Authorizer) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// apply runs Transition under the lock, arms timeouts and returns the
// remaining effects for execution outside the lock.
func (a *Authorizer) apply(ev Event) []Effect {
	a.mu.Lock()
	defer a.mu.Unlock()

	env := Env{Generation: a.generation}
	if a.env != nil {
		env.StorageFormatted = a.env.StorageFormatted()
		env.UnauthorizedKeys = a.env.UnauthorizedKeyCount()
	}

	prev := a.state
	next, effects := Transition(prev, ev, env)
	a.state = next
	if prev.String() != next.String() {
		a.log.Info("key authorizer state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", next),
		)
	}

	out := effects[:0:0]
	for _, eff := range effects {
		if _, ok := eff.(ArmTimeout); ok {
			a.armLocked()
			continue
		}
		out = append(out, eff)
	}
	if _, idle := next.(Idle); idle && a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	return out
}

func (a *Authorizer) armLocked() {
	a.generation++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.timeout <= 0 {
		return
	}
	gen := a.generation
	a.timer = time.AfterFunc(a.timeout, func() {
		a.log.Info("key authorization timed out", zap.Uint64("generation", gen))
		a.Handle(Timeout{Generation: gen})
	})
}

func (a *Authorizer) execute(effects []Effect) {
	a.mu.Lock()
	listener := a.listener
	a.mu.Unlock()

	for _, eff := range effects {
		switch e := eff.(type) {
		case Decide:
			metrics.KeyAuthorizationDecisions.WithLabelValues(e.Decision.String()).Inc()
			a.log.Info("key authorization decided",
				zap.String("key", e.Key.Fingerprint()),
				zap.Stringer("decision", e.Decision),
			)
			if listener != nil {
				listener.KeyAuthorized(e.Key, e.Decision)
			}
		case NotifyNoKeyPresent:
			if a.ui != nil {
				a.ui.NotifyNoKeyPresent()
			}
		case NotifyNoAuthorizedKeyPresent:
			if a.ui != nil {
				a.ui.NotifyNoAuthorizedKeyPresent()
			}
		case NotifyKeyAuthorized:
			if a.ui != nil {
				a.ui.NotifyKeyAuthorized()
			}
		case NotifyStorageCleared:
			if a.ui != nil {
				a.ui.NotifyStorageCleared()
			}
		case CloseUI:
			if a.ui != nil {
				a.ui.CloseUI()
			}
		}
	}
}
