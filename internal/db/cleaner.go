package db

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// Dictionary rows no association row points at any more. Deleting the last
// user of a method, mechanism or token leaves its dictionary row behind;
// these statements reclaim them.
var purgeStatements = []string{
	`DELETE FROM METHODS
	  WHERE id NOT IN (SELECT method_id FROM ACL WHERE method_id IS NOT NULL)
	    AND id NOT IN (SELECT method_id FROM STORE)`,
	`DELETE FROM MECHANISMS
	  WHERE id NOT IN (SELECT mechanism_id FROM ACL WHERE mechanism_id IS NOT NULL)`,
	`DELETE FROM TOKENS
	  WHERE id NOT IN (SELECT token_id FROM ACL WHERE token_id IS NOT NULL)
	    AND id NOT IN (SELECT token_id FROM OWNER)
	    AND id NOT IN (SELECT token_id FROM REFS)`,
}

// PurgeDictionaries deletes unreferenced METHODS, MECHANISMS and TOKENS rows
// and returns how many were removed.
func PurgeDictionaries(ctx context.Context, db *sql.DB) (int64, error) {
	var removed int64
	for _, stmt := range purgeStatements {
		res, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return removed, err
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += n
		}
	}
	return removed, nil
}

// Purger removes orphaned dictionary rows. The credentials store implements
// it so that purges are serialized with its own transactions.
type Purger interface {
	PurgeDictionaries(ctx context.Context) (int64, error)
}

// StartDictionaryCleaner purges orphaned dictionary rows every interval
// until ctx is cancelled.
func StartDictionaryCleaner(
	ctx context.Context,
	p Purger,
	interval time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := p.PurgeDictionaries(ctx)
				if err != nil {
					log.Error("failed to purge dictionary rows", zap.Error(err))
					continue
				}
				if removed > 0 {
					log.Info("purged dictionary rows", zap.Int64("removed", removed))
				}
			}
		}
	}()
}
