package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/analysis-coordinator/pkg/coordination"
)

const repoLogPrefix = "db:repository"

const defaultListLimit = 50

// Repository provides database access for the outcome journal.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordOutcome journals one coordination response.
func (r *Repository) RecordOutcome(ctx context.Context, req *coordination.Request, resp *coordination.AggregatedResponse) error {
	params := OutcomeParamsFromResponse(req, resp)
	slog.Debug(fmt.Sprintf("%s - RecordOutcome request=%s success=%v", repoLogPrefix, params.RequestID, params.Success))

	_, err := r.pool.Exec(ctx,
		`INSERT INTO coordination_outcomes
		   (request_id, request_type, priority, success, services, failed_services,
		    cache_hit, estimated_cost, total_ms, error_code, created)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		params.RequestID, params.RequestType, params.Priority, params.Success,
		params.Services, params.FailedServices, params.CacheHit, params.EstimatedCost,
		params.TotalMs, params.ErrorCode, params.Created)
	if err != nil {
		return fmt.Errorf("%s - RecordOutcome failed: %w", repoLogPrefix, err)
	}
	return nil
}

// RecordOutcomeParams holds the column values written by RecordOutcome.
type RecordOutcomeParams struct {
	RequestID      string
	RequestType    string
	Priority       string
	Success        bool
	Services       []string
	FailedServices []string
	CacheHit       bool
	EstimatedCost  float64
	TotalMs        int64
	ErrorCode      *string
	Created        time.Time
}

// OutcomeParamsFromResponse flattens a response into journal columns.
func OutcomeParamsFromResponse(req *coordination.Request, resp *coordination.AggregatedResponse) RecordOutcomeParams {
	p := RecordOutcomeParams{
		RequestID:      resp.RequestID,
		RequestType:    string(resp.Type),
		Success:        resp.Success,
		Services:       nonNil(resp.Metrics.ServicesUsed),
		FailedServices: nonNil(resp.FailedServices()),
		CacheHit:       resp.Metrics.CacheHits > 0,
		EstimatedCost:  resp.Metrics.EstimatedCost,
		TotalMs:        resp.Metrics.TotalTime.Milliseconds(),
		Created:        resp.ProducedAt.UTC(),
	}
	if req != nil {
		p.Priority = req.Priority.String()
	}
	if resp.Error != nil {
		code := resp.Error.Code
		p.ErrorCode = &code
	}
	if p.Created.IsZero() {
		p.Created = time.Now().UTC()
	}
	return p
}

// ListRecentOutcomes returns journaled outcomes, newest first.
func (r *Repository) ListRecentOutcomes(ctx context.Context, params ListOutcomesParams) ([]OutcomeRecord, error) {
	limit := params.Limit
	if limit < 1 {
		limit = defaultListLimit
	}

	query := `SELECT id::text, request_id, request_type, priority, success, services, failed_services,
	                 cache_hit, estimated_cost::float8, total_ms, error_code, created
	          FROM coordination_outcomes WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if params.RequestType != "" {
		query += fmt.Sprintf(` AND request_type = $%d`, argIdx)
		args = append(args, params.RequestType)
		argIdx++
	}
	if params.FailedOnly {
		query += ` AND success = FALSE`
	}
	if !params.Since.IsZero() {
		query += fmt.Sprintf(` AND created >= $%d`, argIdx)
		args = append(args, params.Since)
		argIdx++
	}

	query += ` ORDER BY created DESC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s - ListRecentOutcomes query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - ListRecentOutcomes rows failed: %w", repoLogPrefix, err)
	}
	return out, nil
}

// ListOutcomesParams holds parameters for ListRecentOutcomes.
type ListOutcomesParams struct {
	RequestType string
	FailedOnly  bool
	Since       time.Time
	Limit       int
}

// ServiceOutcomeSummary counts invocations and failures per backend since the given time.
func (r *Repository) ServiceOutcomeSummary(ctx context.Context, since time.Time) ([]ServiceSummary, error) {
	rows, err := r.pool.Query(ctx,
		`WITH used AS (
		   SELECT unnest(services) AS service FROM coordination_outcomes WHERE created >= $1
		 ), failed AS (
		   SELECT unnest(failed_services) AS service FROM coordination_outcomes WHERE created >= $1
		 )
		 SELECT u.service,
		        COUNT(*)::int AS invocations,
		        COALESCE((SELECT COUNT(*) FROM failed f WHERE f.service = u.service), 0)::int AS failures
		 FROM used u
		 GROUP BY u.service
		 ORDER BY u.service`, since)
	if err != nil {
		return nil, fmt.Errorf("%s - ServiceOutcomeSummary query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []ServiceSummary
	for rows.Next() {
		var s ServiceSummary
		if err := rows.Scan(&s.Service, &s.Invocations, &s.Failures); err != nil {
			return nil, fmt.Errorf("%s - ServiceOutcomeSummary scan failed: %w", repoLogPrefix, err)
		}
		if s.Invocations > 0 {
			s.FailureRate = float64(s.Failures) / float64(s.Invocations)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - ServiceOutcomeSummary rows failed: %w", repoLogPrefix, err)
	}
	return out, nil
}

// ClearOutcomes deletes every journaled outcome.
func (r *Repository) ClearOutcomes(ctx context.Context) error {
	return ClearOutcomes(ctx, r.pool)
}

// =========================================================================
// SCAN HELPERS
// =========================================================================

func scanOutcome(row pgx.Row) (*OutcomeRecord, error) {
	var rec OutcomeRecord
	err := row.Scan(
		&rec.ID, &rec.RequestID, &rec.RequestType, &rec.Priority, &rec.Success,
		&rec.Services, &rec.FailedServices, &rec.CacheHit, &rec.EstimatedCost,
		&rec.TotalMs, &rec.ErrorCode, &rec.Created,
	)
	if err != nil {
		return nil, fmt.Errorf("%s - scanOutcome failed: %w", repoLogPrefix, err)
	}
	return &rec, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
