package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// Values in STORE are CBOR encoded with deterministic options so that the
// same map always produces the same bytes.
var (
	valueEnc cbor.EncMode
	valueDec cbor.DecMode
)

func init() {
	var err error
	valueEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("repository: cbor encoder: " + err.Error())
	}
	valueDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("repository: cbor decoder: " + err.Error())
	}
}

// EncodedSize returns the number of bytes data occupies against the
// StoreData cap: the sum of key length and encoded value length over every
// non-nil value.
func EncodedSize(data map[string]any) (int, error) {
	size := 0
	for k, v := range data {
		if v == nil {
			continue
		}
		b, err := valueEnc.Marshal(v)
		if err != nil {
			return 0, fmt.Errorf("encode %q: %w", k, err)
		}
		size += len(k) + len(b)
	}
	return size, nil
}

// StoreData writes per-method data for an identity. A nil value deletes
// its key. Payloads larger than the cap are rejected with ErrDataTooLarge
// before anything is written.
func (c *CredentialsDB) StoreData(ctx context.Context, id uint32, method string, data map[string]any) (bool, error) {
	if method == "" {
		return false, errors.New("store data: empty method")
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	encoded := make(map[string][]byte, len(data))
	size := 0
	for _, k := range keys {
		v := data[k]
		if v == nil {
			continue
		}
		b, err := valueEnc.Marshal(v)
		if err != nil {
			return false, fmt.Errorf("store data: encode %q: %w", k, err)
		}
		encoded[k] = b
		size += len(k) + len(b)
	}
	if size > c.maxDataSize {
		return false, ErrDataTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.withTx(ctx, "store data", func(tx *sql.Tx) error {
		methodID, err := c.ensureMethod(ctx, tx, method)
		if err != nil {
			return err
		}
		for _, k := range keys {
			b, ok := encoded[k]
			if !ok {
				if _, err := tx.ExecContext(ctx, c.q(`
					DELETE FROM STORE WHERE identity_id = ? AND method_id = ? AND data_key = ?
				`), int64(id), methodID, k); err != nil {
					return fmt.Errorf("delete data: %w", err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, c.q(`
				INSERT INTO STORE (identity_id, method_id, data_key, data_value) VALUES (?, ?, ?, ?)
				ON CONFLICT (identity_id, method_id, data_key) DO UPDATE SET data_value = EXCLUDED.data_value
			`), int64(id), methodID, k, b); err != nil {
				return fmt.Errorf("insert data: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// LoadData returns the data stored for an identity and method. A method
// with no data yields an empty map.
func (c *CredentialsDB) LoadData(ctx context.Context, id uint32, method string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready("load data"); err != nil {
		return nil, err
	}

	rows, err := c.conn.QueryContext(ctx, c.q(`
		SELECT S.data_key, S.data_value FROM STORE S
		JOIN METHODS M ON S.method_id = M.id
		WHERE S.identity_id = ? AND M.method = ?
		ORDER BY S.data_key
	`), int64(id), method)
	if err != nil {
		return nil, classify("load data", err)
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, classify("load data", err)
		}
		var v any
		if err := valueDec.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("load data: decode %q: %w", key, err)
		}
		out[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load data", err)
	}
	return out, nil
}

// RemoveData deletes the identity's data for method, or for every method
// when method is empty. Removing absent data is not an error.
func (c *CredentialsDB) RemoveData(ctx context.Context, id uint32, method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready("remove data"); err != nil {
		return err
	}

	var err error
	if method == "" {
		_, err = c.conn.ExecContext(ctx, c.q(`DELETE FROM STORE WHERE identity_id = ?`), int64(id))
	} else {
		_, err = c.conn.ExecContext(ctx, c.q(`
			DELETE FROM STORE WHERE identity_id = ?
			AND method_id IN (SELECT id FROM METHODS WHERE method = ?)
		`), int64(id), method)
	}
	if err != nil {
		return classify("remove data", err)
	}
	return nil
}
