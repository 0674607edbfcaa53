package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/atinyakov/GophSSO/internal/models"
)

// AddReference records that the client identified by token holds ref on
// the identity. Adding an existing reference is a no-op.
func (c *CredentialsDB) AddReference(ctx context.Context, id uint32, token, ref string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.withTx(ctx, "add reference", func(tx *sql.Tx) error {
		tokenID, err := c.ensureToken(ctx, tx, models.NewSecurityContextPair(token, ""))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, c.q(`
			INSERT INTO REFS (identity_id, token_id, ref) VALUES (?, ?, ?) ON CONFLICT DO NOTHING
		`), int64(id), tokenID, ref); err != nil {
			return fmt.Errorf("insert reference: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// RemoveReference deletes matching references. An empty token matches any
// client and an empty ref matches any reference. It reports false, with
// nothing changed, when no row matched.
func (c *CredentialsDB) RemoveReference(ctx context.Context, id uint32, token, ref string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready("remove reference"); err != nil {
		return false, err
	}

	query := `DELETE FROM REFS WHERE identity_id = ?`
	args := []any{int64(id)}
	if token != "" {
		query += ` AND token_id IN (SELECT id FROM TOKENS WHERE token = ?)`
		args = append(args, token)
	}
	if ref != "" {
		query += ` AND ref = ?`
		args = append(args, ref)
	}

	res, err := c.conn.ExecContext(ctx, c.q(query), args...)
	if err != nil {
		return false, classify("remove reference", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("remove reference", err)
	}
	return n > 0, nil
}

// References lists the references held on the identity, optionally only
// those of one client.
func (c *CredentialsDB) References(ctx context.Context, id uint32, token string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready("query references"); err != nil {
		return nil, err
	}

	var (
		refs []string
		err  error
	)
	if token == "" {
		refs, err = c.loadStrings(ctx, c.conn, `
			SELECT DISTINCT ref FROM REFS WHERE identity_id = ? ORDER BY ref
		`, int64(id))
	} else {
		refs, err = c.loadStrings(ctx, c.conn, `
			SELECT DISTINCT R.ref FROM REFS R
			JOIN TOKENS T ON R.token_id = T.id
			WHERE R.identity_id = ? AND T.token = ?
			ORDER BY R.ref
		`, int64(id), token)
	}
	if err != nil {
		return nil, classify("query references", err)
	}
	return refs, nil
}
