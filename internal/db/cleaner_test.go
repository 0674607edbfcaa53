package db

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type fakePurger struct {
	calls   atomic.Int32
	removed int64
	err     error
}

func (f *fakePurger) PurgeDictionaries(ctx context.Context) (int64, error) {
	f.calls.Add(1)
	return f.removed, f.err
}

func TestPurgeDictionaries_Success(t *testing.T) {
	dbMock, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	defer dbMock.Close()

	mock.ExpectExec("DELETE FROM METHODS").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM MECHANISMS").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM TOKENS").WillReturnResult(sqlmock.NewResult(0, 0))

	removed, err := PurgeDictionaries(context.Background(), dbMock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d; want 3", removed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPurgeDictionaries_StopsOnError(t *testing.T) {
	dbMock, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	defer dbMock.Close()

	mock.ExpectExec("DELETE FROM METHODS").WillReturnError(fmt.Errorf("db fail"))

	if _, err := PurgeDictionaries(context.Background(), dbMock); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStartDictionaryCleaner_Runs(t *testing.T) {
	p := &fakePurger{removed: 3}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	StartDictionaryCleaner(ctx, p, 10*time.Millisecond, zap.NewNop())

	time.Sleep(100 * time.Millisecond)
	cancel()

	if p.calls.Load() == 0 {
		t.Error("expected at least one purge")
	}
}

func TestStartDictionaryCleaner_ErrorLogged(t *testing.T) {
	p := &fakePurger{err: fmt.Errorf("db fail")}

	w := &lockedWriter{}
	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(w),
		zapcore.ErrorLevel,
	)
	logger := zap.New(core)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	StartDictionaryCleaner(ctx, p, 10*time.Millisecond, logger)

	time.Sleep(100 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	out := w.String()
	if !strings.Contains(out, "failed to purge dictionary rows") {
		t.Errorf("expected error log, got:\n%s", out)
	}
}

func TestStartDictionaryCleaner_CancelBeforeTicker(t *testing.T) {
	p := &fakePurger{}
	ctx, cancel := context.WithCancel(context.Background())

	StartDictionaryCleaner(ctx, p, 100*time.Millisecond, zap.NewNop())
	cancel()

	time.Sleep(50 * time.Millisecond)

	if n := p.calls.Load(); n != 0 {
		t.Errorf("purge called %d times after cancel", n)
	}
}

type lockedWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *lockedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
