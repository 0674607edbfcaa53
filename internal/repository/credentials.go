// Package repository implements the credentials store: identities, their
// realms, methods, access control and owner lists, references and
// per-method data blobs, persisted in the schema created by package db.
package repository

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/atinyakov/GophSSO/internal/db"
	"github.com/atinyakov/GophSSO/internal/models"
	"go.uber.org/zap"
)

const (
	// DefaultMaxDataSize caps the serialized payload of one StoreData call.
	DefaultMaxDataSize = 4096
	// DefaultOwnerTokenPrefix marks ACL tokens that name a package owner.
	DefaultOwnerTokenPrefix = "AID::"
)

// Filter narrows CredentialsList. Recognised keys: "Type" (decimal
// identity type). Other keys are accepted and ignored.
type Filter map[string]string

// Option configures a CredentialsDB.
type Option func(*CredentialsDB)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *CredentialsDB) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMaxDataSize overrides DefaultMaxDataSize.
func WithMaxDataSize(n int) Option {
	return func(c *CredentialsDB) { c.maxDataSize = n }
}

// WithOwnerTokenPrefix overrides DefaultOwnerTokenPrefix.
func WithOwnerTokenPrefix(prefix string) Option {
	return func(c *CredentialsDB) { c.ownerPrefix = prefix }
}

// CredentialsDB is the credentials store. It owns its connection and
// serializes every operation, so at most one transaction is in flight.
type CredentialsDB struct {
	mu          sync.Mutex
	conn        *sql.DB
	dialect     db.Dialect
	log         *zap.Logger
	maxDataSize int
	ownerPrefix string
}

// NewCredentialsDB wraps an opened database handle whose schema was created
// by db.Open.
func NewCredentialsDB(conn *sql.DB, dialect db.Dialect, opts ...Option) *CredentialsDB {
	c := &CredentialsDB{
		conn:        conn,
		dialect:     dialect,
		log:         zap.NewNop(),
		maxDataSize: DefaultMaxDataSize,
		ownerPrefix: DefaultOwnerTokenPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports whether Close has not been called yet.
func (c *CredentialsDB) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close closes the underlying connection.
func (c *CredentialsDB) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return &StoreError{Kind: ConnectionError, Op: "close", Err: err}
	}
	return nil
}

// MaxDataSize returns the per-call StoreData cap.
func (c *CredentialsDB) MaxDataSize() int { return c.maxDataSize }

func (c *CredentialsDB) q(query string) string { return c.dialect.Rebind(query) }

func (c *CredentialsDB) ready(op string) error {
	if c.conn == nil {
		return &StoreError{Kind: NotConnected, Op: op, Err: ErrNotConnected}
	}
	return nil
}

// withTx runs fn in a transaction. Any error rolls the transaction back.
// Callers must hold c.mu.
func (c *CredentialsDB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if err := c.ready(op); err != nil {
		return err
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Kind: TransactionError, Op: op, Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		c.log.Debug("transaction rolled back", zap.String("op", op), zap.Error(err))
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return &StoreError{Kind: TransactionError, Op: op, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

// storedSecret returns the password column value. It is NULL unless the
// secret is to be persisted.
func storedSecret(ident *models.Identity, storeSecret bool) sql.NullString {
	if !storeSecret || !ident.StorePassword() {
		return sql.NullString{}
	}
	return sql.NullString{String: ident.Password, Valid: true}
}

// InsertCredentials stores ident as a new identity and returns its id.
// The caller's ID is ignored. The password is persisted only when
// storeSecret is set and the identity remembers its password.
// On failure nothing is written and the returned id is 0.
func (c *CredentialsDB) InsertCredentials(ctx context.Context, ident *models.Identity, storeSecret bool) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var id uint32
	err := c.withTx(ctx, "insert credentials", func(tx *sql.Tx) error {
		password := storedSecret(ident, storeSecret)
		var newID int64
		err := tx.QueryRowContext(ctx, c.q(`
			INSERT INTO CREDENTIALS (caption, username, password, flags, type)
			VALUES (?, ?, ?, ?, ?) RETURNING id
		`), ident.Caption, ident.Username, password, int64(ident.Flags), int64(ident.Type)).Scan(&newID)
		if err != nil {
			return fmt.Errorf("insert identity: %w", err)
		}
		id = uint32(newID)
		return c.writeAssociations(ctx, tx, id, ident)
	})
	if err != nil {
		return models.NewIdentityID, err
	}
	c.log.Debug("identity inserted", zap.Uint32("id", id))
	return id, nil
}

// UpdateCredentials replaces the stored identity ident.ID. Realms, ACL
// and owner rows are fully replaced; dictionary rows are only added.
// The password column is left untouched unless storeSecret is set.
func (c *CredentialsDB) UpdateCredentials(ctx context.Context, ident *models.Identity, storeSecret bool) (uint32, error) {
	if ident.ID == models.NewIdentityID {
		return models.NewIdentityID, ErrNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.withTx(ctx, "update credentials", func(tx *sql.Tx) error {
		var (
			res sql.Result
			err error
		)
		if storeSecret {
			password := storedSecret(ident, true)
			res, err = tx.ExecContext(ctx, c.q(`
				UPDATE CREDENTIALS SET caption = ?, username = ?, password = ?, flags = ?, type = ?
				WHERE id = ?
			`), ident.Caption, ident.Username, password, int64(ident.Flags), int64(ident.Type), int64(ident.ID))
		} else {
			res, err = tx.ExecContext(ctx, c.q(`
				UPDATE CREDENTIALS SET caption = ?, username = ?, flags = ?, type = ?
				WHERE id = ?
			`), ident.Caption, ident.Username, int64(ident.Flags), int64(ident.Type), int64(ident.ID))
		}
		if err != nil {
			return fmt.Errorf("update identity: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}

		for _, stmt := range []string{
			`DELETE FROM REALMS WHERE identity_id = ?`,
			`DELETE FROM ACL WHERE identity_id = ?`,
			`DELETE FROM OWNER WHERE identity_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, c.q(stmt), int64(ident.ID)); err != nil {
				return fmt.Errorf("clear associations: %w", err)
			}
		}
		return c.writeAssociations(ctx, tx, ident.ID, ident)
	})
	if err != nil {
		return models.NewIdentityID, err
	}
	return ident.ID, nil
}

// RemoveCredentials deletes the identity and everything attached to it.
// It reports false when no such identity existed.
func (c *CredentialsDB) RemoveCredentials(ctx context.Context, id uint32) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed bool
	err := c.withTx(ctx, "remove credentials", func(tx *sql.Tx) error {
		// Foreign keys cascade these; deleting them here keeps the
		// behaviour when a backend runs with foreign keys disabled.
		for _, stmt := range []string{
			`DELETE FROM REALMS WHERE identity_id = ?`,
			`DELETE FROM ACL WHERE identity_id = ?`,
			`DELETE FROM OWNER WHERE identity_id = ?`,
			`DELETE FROM REFS WHERE identity_id = ?`,
			`DELETE FROM STORE WHERE identity_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, c.q(stmt), int64(id)); err != nil {
				return fmt.Errorf("remove associations: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, c.q(`DELETE FROM CREDENTIALS WHERE id = ?`), int64(id))
		if err != nil {
			return fmt.Errorf("remove identity: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// Credentials loads one identity. The password is returned only when
// includePassword is set and the identity remembers its password; a
// secret username is likewise hidden unless includePassword is set.
func (c *CredentialsDB) Credentials(ctx context.Context, id uint32, includePassword bool) (*models.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready("query credentials"); err != nil {
		return nil, err
	}

	ident := &models.Identity{ID: id}
	var (
		flags, typ int64
		password   sql.NullString
	)
	err := c.conn.QueryRowContext(ctx, c.q(`
		SELECT caption, username, password, flags, type FROM CREDENTIALS WHERE id = ?
	`), int64(id)).Scan(&ident.Caption, &ident.Username, &password, &flags, &typ)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("query credentials", err)
	}
	ident.Flags = models.IdentityFlags(flags)
	ident.Type = models.IdentityType(typ)
	ident.Password = password.String
	if !includePassword || !ident.StorePassword() {
		ident.Password = ""
	}
	if !includePassword && ident.Flags.Has(models.FlagUserNameIsSecret) {
		ident.Username = ""
	}

	if err := c.loadAssociations(ctx, ident); err != nil {
		return nil, classify("query credentials", err)
	}
	return ident, nil
}

// CredentialsList returns every identity, without secrets, ordered by id.
func (c *CredentialsDB) CredentialsList(ctx context.Context, filter Filter) ([]models.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready("query credentials list"); err != nil {
		return nil, err
	}

	query := `SELECT id, caption, username, flags, type FROM CREDENTIALS`
	var args []any
	if t, ok := filter["Type"]; ok && t != "" {
		typ, err := strconv.Atoi(t)
		if err != nil {
			return nil, fmt.Errorf("filter type %q: %w", t, err)
		}
		query += ` WHERE type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY id`

	rows, err := c.conn.QueryContext(ctx, c.q(query), args...)
	if err != nil {
		return nil, classify("query credentials list", err)
	}
	var list []models.Identity
	for rows.Next() {
		var (
			ident     models.Identity
			id        int64
			flags, ty int64
		)
		if err := rows.Scan(&id, &ident.Caption, &ident.Username, &flags, &ty); err != nil {
			rows.Close()
			return nil, classify("query credentials list", err)
		}
		ident.ID = uint32(id)
		ident.Flags = models.IdentityFlags(flags)
		ident.Type = models.IdentityType(ty)
		if ident.Flags.Has(models.FlagUserNameIsSecret) {
			ident.Username = ""
		}
		list = append(list, ident)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, classify("query credentials list", err)
	}
	rows.Close()

	for i := range list {
		if err := c.loadAssociations(ctx, &list[i]); err != nil {
			return nil, classify("query credentials list", err)
		}
	}
	return list, nil
}

// CheckPassword compares username and password with the stored row.
// A missing identity, or one without a persisted secret, yields false
// without error.
func (c *CredentialsDB) CheckPassword(ctx context.Context, id uint32, username, password string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready("check password"); err != nil {
		return false, err
	}

	var (
		storedUser string
		storedPass sql.NullString
		flags      int64
	)
	err := c.conn.QueryRowContext(ctx, c.q(`
		SELECT username, password, flags FROM CREDENTIALS WHERE id = ?
	`), int64(id)).Scan(&storedUser, &storedPass, &flags)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify("check password", err)
	}
	if !storedPass.Valid || !models.IdentityFlags(flags).Has(models.FlagRememberPassword) {
		return false, nil
	}
	userOK := subtle.ConstantTimeCompare([]byte(storedUser), []byte(username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(storedPass.String), []byte(password)) == 1
	return userOK && passOK, nil
}

// Methods returns the method names configured for the identity.
func (c *CredentialsDB) Methods(ctx context.Context, id uint32) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready("query methods"); err != nil {
		return nil, err
	}
	methods, err := c.loadMethods(ctx, c.conn, id)
	if err != nil {
		return nil, classify("query methods", err)
	}
	names := make([]string, 0, len(methods))
	for m := range methods {
		names = append(names, m)
	}
	sort.Strings(names)
	return names, nil
}

// Mechanisms returns the mechanisms configured for one method.
func (c *CredentialsDB) Mechanisms(ctx context.Context, id uint32, method string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready("query mechanisms"); err != nil {
		return nil, err
	}
	methods, err := c.loadMethods(ctx, c.conn, id)
	if err != nil {
		return nil, classify("query mechanisms", err)
	}
	return methods[method], nil
}

// AccessControlList returns the identity's ACL.
func (c *CredentialsDB) AccessControlList(ctx context.Context, id uint32) (models.SecurityContextList, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready("query acl"); err != nil {
		return nil, err
	}
	acl, err := c.loadTokens(ctx, c.conn, `
		SELECT DISTINCT T.token, T.app_context FROM ACL A
		JOIN TOKENS T ON A.token_id = T.id
		WHERE A.identity_id = ?
		ORDER BY T.token, T.app_context
	`, id)
	if err != nil {
		return nil, classify("query acl", err)
	}
	return acl, nil
}

// OwnerList returns the identity's owners.
func (c *CredentialsDB) OwnerList(ctx context.Context, id uint32) (models.SecurityContextList, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready("query owner"); err != nil {
		return nil, err
	}
	owners, err := c.loadTokens(ctx, c.conn, `
		SELECT T.token, T.app_context FROM OWNER O
		JOIN TOKENS T ON O.token_id = T.id
		WHERE O.identity_id = ?
		ORDER BY T.token, T.app_context
	`, id)
	if err != nil {
		return nil, classify("query owner", err)
	}
	return owners, nil
}

// CredentialsOwnerSecurityToken returns the first ACL token that carries
// the owner prefix, or "" when the identity has no package owner. Callers
// must not grant owner-level trust on "".
func (c *CredentialsDB) CredentialsOwnerSecurityToken(ctx context.Context, id uint32) (string, error) {
	acl, err := c.AccessControlList(ctx, id)
	if err != nil {
		return "", err
	}
	for _, sc := range acl {
		if strings.HasPrefix(sc.SystemContext, c.ownerPrefix) {
			return sc.SystemContext, nil
		}
	}
	return "", nil
}

// PurgeDictionaries removes dictionary rows no longer referenced by any
// identity. It implements db.Purger.
func (c *CredentialsDB) PurgeDictionaries(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready("purge dictionaries"); err != nil {
		return 0, err
	}
	n, err := db.PurgeDictionaries(ctx, c.conn)
	if err != nil {
		return n, classify("purge dictionaries", err)
	}
	return n, nil
}

// queryer is the subset of *sql.DB and *sql.Tx used by the loaders.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// writeAssociations inserts realms, ACL rows and owner rows for id.
// ACL rows are the cross product of (method, mechanism) pairs and tokens;
// a missing side is stored as NULL.
func (c *CredentialsDB) writeAssociations(ctx context.Context, tx *sql.Tx, id uint32, ident *models.Identity) error {
	for _, realm := range ident.Realms {
		if _, err := tx.ExecContext(ctx, c.q(`
			INSERT INTO REALMS (identity_id, realm) VALUES (?, ?) ON CONFLICT DO NOTHING
		`), int64(id), realm); err != nil {
			return fmt.Errorf("insert realm: %w", err)
		}
	}

	type methodPair struct{ method, mechanism sql.NullInt64 }
	var pairs []methodPair
	methodNames := make([]string, 0, len(ident.Methods))
	for m := range ident.Methods {
		methodNames = append(methodNames, m)
	}
	sort.Strings(methodNames)
	for _, m := range methodNames {
		methodID, err := c.ensureMethod(ctx, tx, m)
		if err != nil {
			return err
		}
		mechs := ident.Methods[m]
		if len(mechs) == 0 {
			pairs = append(pairs, methodPair{method: valid(methodID)})
			continue
		}
		for _, mech := range mechs {
			mechID, err := c.ensureID(ctx, tx,
				`INSERT INTO MECHANISMS (mechanism) VALUES (?) ON CONFLICT (mechanism) DO NOTHING`,
				`SELECT id FROM MECHANISMS WHERE mechanism = ?`, mech)
			if err != nil {
				return fmt.Errorf("insert mechanism: %w", err)
			}
			pairs = append(pairs, methodPair{method: valid(methodID), mechanism: valid(mechID)})
		}
	}

	var tokens []sql.NullInt64
	for _, sc := range ident.AccessControlList {
		tokenID, err := c.ensureToken(ctx, tx, sc)
		if err != nil {
			return err
		}
		tokens = append(tokens, valid(tokenID))
	}

	if len(pairs) > 0 || len(tokens) > 0 {
		if len(pairs) == 0 {
			pairs = []methodPair{{}}
		}
		if len(tokens) == 0 {
			tokens = []sql.NullInt64{{}}
		}
		for _, p := range pairs {
			for _, tok := range tokens {
				if _, err := tx.ExecContext(ctx, c.q(`
					INSERT INTO ACL (identity_id, method_id, mechanism_id, token_id) VALUES (?, ?, ?, ?)
				`), int64(id), p.method, p.mechanism, tok); err != nil {
					return fmt.Errorf("insert acl: %w", err)
				}
			}
		}
	}

	for _, sc := range ident.OwnerList {
		tokenID, err := c.ensureToken(ctx, tx, sc)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, c.q(`
			INSERT INTO OWNER (identity_id, token_id) VALUES (?, ?) ON CONFLICT DO NOTHING
		`), int64(id), tokenID); err != nil {
			return fmt.Errorf("insert owner: %w", err)
		}
	}
	return nil
}

func valid(id int64) sql.NullInt64 { return sql.NullInt64{Int64: id, Valid: true} }

// ensureID inserts a dictionary row if absent and returns its id.
func (c *CredentialsDB) ensureID(ctx context.Context, q queryer, insert, sel string, args ...any) (int64, error) {
	if _, err := q.ExecContext(ctx, c.q(insert), args...); err != nil {
		return 0, err
	}
	var id int64
	if err := q.QueryRowContext(ctx, c.q(sel), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (c *CredentialsDB) ensureMethod(ctx context.Context, q queryer, method string) (int64, error) {
	id, err := c.ensureID(ctx, q,
		`INSERT INTO METHODS (method) VALUES (?) ON CONFLICT (method) DO NOTHING`,
		`SELECT id FROM METHODS WHERE method = ?`, method)
	if err != nil {
		return 0, fmt.Errorf("insert method: %w", err)
	}
	return id, nil
}

func (c *CredentialsDB) ensureToken(ctx context.Context, q queryer, sc models.SecurityContext) (int64, error) {
	id, err := c.ensureID(ctx, q,
		`INSERT INTO TOKENS (token, app_context) VALUES (?, ?) ON CONFLICT (token, app_context) DO NOTHING`,
		`SELECT id FROM TOKENS WHERE token = ? AND app_context = ?`, sc.SystemContext, sc.ApplicationContext)
	if err != nil {
		return 0, fmt.Errorf("insert token: %w", err)
	}
	return id, nil
}

// loadAssociations fills realms, methods, ACL, owners and the reference
// count of ident from the database.
func (c *CredentialsDB) loadAssociations(ctx context.Context, ident *models.Identity) error {
	realms, err := c.loadStrings(ctx, c.conn, `
		SELECT realm FROM REALMS WHERE identity_id = ? ORDER BY realm
	`, int64(ident.ID))
	if err != nil {
		return err
	}
	ident.Realms = realms

	methods, err := c.loadMethods(ctx, c.conn, ident.ID)
	if err != nil {
		return err
	}
	ident.Methods = methods

	acl, err := c.loadTokens(ctx, c.conn, `
		SELECT DISTINCT T.token, T.app_context FROM ACL A
		JOIN TOKENS T ON A.token_id = T.id
		WHERE A.identity_id = ?
		ORDER BY T.token, T.app_context
	`, ident.ID)
	if err != nil {
		return err
	}
	ident.AccessControlList = acl

	owners, err := c.loadTokens(ctx, c.conn, `
		SELECT T.token, T.app_context FROM OWNER O
		JOIN TOKENS T ON O.token_id = T.id
		WHERE O.identity_id = ?
		ORDER BY T.token, T.app_context
	`, ident.ID)
	if err != nil {
		return err
	}
	ident.OwnerList = owners

	var refs int64
	if err := c.conn.QueryRowContext(ctx, c.q(`
		SELECT COUNT(*) FROM REFS WHERE identity_id = ?
	`), int64(ident.ID)).Scan(&refs); err != nil {
		return err
	}
	ident.RefCount = int(refs)
	return nil
}

func (c *CredentialsDB) loadStrings(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, c.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *CredentialsDB) loadMethods(ctx context.Context, q queryer, id uint32) (map[string][]string, error) {
	rows, err := q.QueryContext(ctx, c.q(`
		SELECT DISTINCT M.method, MC.mechanism FROM ACL A
		JOIN METHODS M ON A.method_id = M.id
		LEFT JOIN MECHANISMS MC ON A.mechanism_id = MC.id
		WHERE A.identity_id = ?
		ORDER BY M.method, MC.mechanism
	`), int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	methods := make(map[string][]string)
	for rows.Next() {
		var (
			method    string
			mechanism sql.NullString
		)
		if err := rows.Scan(&method, &mechanism); err != nil {
			return nil, err
		}
		if _, ok := methods[method]; !ok {
			methods[method] = []string{}
		}
		if mechanism.Valid {
			methods[method] = append(methods[method], mechanism.String)
		}
	}
	return methods, rows.Err()
}

func (c *CredentialsDB) loadTokens(ctx context.Context, q queryer, query string, id uint32) (models.SecurityContextList, error) {
	rows, err := q.QueryContext(ctx, c.q(query), int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out models.SecurityContextList
	for rows.Next() {
		var token, app string
		if err := rows.Scan(&token, &app); err != nil {
			return nil, err
		}
		out = append(out, models.NewSecurityContextPair(token, app))
	}
	return out, rows.Err()
}
