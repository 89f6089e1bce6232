package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearOutcomes truncates the outcome journal. The schema is preserved.
func ClearOutcomes(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing outcome journal", clearLogPrefix))

	if _, err := pool.Exec(ctx, `TRUNCATE TABLE coordination_outcomes`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Outcome journal cleared", clearLogPrefix))
	return nil
}
