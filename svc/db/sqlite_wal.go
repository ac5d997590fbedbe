package db

import (
	"context"
	"database/sql"
	"time"

	"snipbin/svc/util"

	"github.com/pkg/errors"
)

const (
	checkpointInterval = 5 * time.Minute
	truncateAfterPages = 1000
)

// StartWALMaintenance checkpoints the SQLite WAL until ctx is done, then
// runs one final checkpoint. It is a no-op for other dialects.
func (s *Store) StartWALMaintenance(ctx context.Context) {
	if s.dialect.name != "sqlite" {
		return
	}
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := checkpoint(ctx, s.db); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			if err := checkpoint(final, s.db); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			cancel()
			return
		}
	}
}

func checkpoint(ctx context.Context, db *sql.DB) error {
	start := time.Now()
	var busy, logPages, done int
	if err := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &logPages, &done); err != nil {
		return errors.Wrap(err, "passive checkpoint")
	}
	util.Debug().Int("busy", busy).Int("log", logPages).Int("checkpointed", done).Msg("PASSIVE checkpoint result")
	if logPages > truncateAfterPages || busy > 0 {
		util.Info().Int("log", logPages).Msg("escalating to TRUNCATE checkpoint")
		if err := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logPages, &done); err != nil {
			return errors.Wrap(err, "truncate checkpoint")
		}
	}
	if err := verifyIntegrity(ctx, db); err != nil {
		util.Error().Err(err).Msg("CRITICAL: database integrity check failed after checkpoint")
		return err
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func verifyIntegrity(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return errors.Wrap(err, "quick_check query failed")
	}
	if result != "ok" {
		return errors.Errorf("quick_check returned: %s", result)
	}
	return nil
}
