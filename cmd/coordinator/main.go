// Package main is the entrypoint for the analysis-coordinator binary.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/analysis-coordinator/internal/config"
	"github.com/morezero/analysis-coordinator/internal/server"
	"github.com/morezero/analysis-coordinator/pkg/catalog"
	"github.com/morezero/analysis-coordinator/pkg/coordination"
	"github.com/morezero/analysis-coordinator/pkg/db"
	"github.com/morezero/analysis-coordinator/pkg/planner"
)

const usage = `Usage: coordinator [command]
       coordinator serve              Start the coordinator (NATS, HTTP, deferred queue).
       coordinator migrate up         Create the outcome journal schema.
       coordinator migrate down       Drop the outcome journal table.
       coordinator migrate status     Show migration status.
       coordinator ensure-db [name]   Create database if missing (default name: coordinator_test). Uses DATABASE_URL host/user.
       coordinator clear              Truncate the outcome journal; schema is preserved.
       coordinator outcomes [limit]   Print recent journaled outcomes and per-backend failure rates (last 24h).
       coordinator catalog [file]     Validate a backend catalog and print its per-type plans.

Commands:
  serve            (default) Start the analysis coordinator.
  migrate up       Run database migrations only.
  migrate down     Drop the journal table.
  migrate status   Show current migration status.
  ensure-db [name] Create database (e.g. coordinator_test) on same host as DATABASE_URL.
  clear            Truncate journaled outcomes.
  outcomes [limit] Show the newest outcomes (default 20).
  catalog [file]   Validate and print the catalog (default: CATALOG_FILE or the built-in catalog).

Environment: COMMS_URL, DATABASE_URL (optional; enables the journal), MIGRATION_PATH, CATALOG_FILE,
COORDINATOR_HTTP_ADDR (default :8080), QUEUE_MAX_DEPTH, CACHE_CAPACITY.
`

const defaultOutcomeLimit = 20

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("coordinator migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("coordinator migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("coordinator migrate status: %v", err)
			}
		case "down":
			if err := runMigrateDown(); err != nil {
				log.Fatalf("coordinator migrate down: %v", err)
			}
		default:
			log.Fatalf("coordinator migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("coordinator clear: %v", err)
		}
		return
	case "outcomes":
		limit := defaultOutcomeLimit
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				log.Fatalf("coordinator outcomes: limit must be a positive integer, got %q", args[1])
			}
			limit = n
		}
		if err := runOutcomes(limit, os.Stdout); err != nil {
			log.Fatalf("coordinator outcomes: %v", err)
		}
		return
	case "catalog":
		file := ""
		if len(args) > 1 {
			file = args[1]
		}
		if err := runCatalog(file, os.Stdout); err != nil {
			log.Fatalf("coordinator catalog: %v", err)
		}
		return
	case "ensure-db":
		dbName := "coordinator_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("coordinator ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("coordinator: %v", err)
	}
}

// openPool loads config, requires DATABASE_URL and connects.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return cfg, pool, nil
}

func runMigrateUp() error {
	ctx := context.Background()
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	migrations, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus() error {
	ctx := context.Background()
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	return db.MigrationStatus(ctx, pool, cfg.MigrationPath, os.Stdout)
}

func runMigrateDown() error {
	ctx := context.Background()
	_, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	return db.MigrationDown(ctx, pool)
}

func runClear() error {
	ctx := context.Background()
	_, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.ClearOutcomes(ctx, pool); err != nil {
		return fmt.Errorf("clear outcomes: %w", err)
	}
	return nil
}

func runOutcomes(limit int, w io.Writer) error {
	ctx := context.Background()
	_, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := db.NewRepository(pool)
	records, err := repo.ListRecentOutcomes(ctx, db.ListOutcomesParams{Limit: limit})
	if err != nil {
		return err
	}
	summary, err := repo.ServiceOutcomeSummary(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	writeOutcomes(w, records, summary)
	return nil
}

func writeOutcomes(w io.Writer, records []db.OutcomeRecord, summary []db.ServiceSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tREQUEST\tTYPE\tPRIORITY\tSUCCESS\tMS\tFAILED\tERROR")
	for _, rec := range records {
		code := "-"
		if rec.ErrorCode != nil {
			code = *rec.ErrorCode
		}
		failed := "-"
		if len(rec.FailedServices) > 0 {
			failed = strings.Join(rec.FailedServices, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\t%s\t%s\n",
			rec.Created.UTC().Format(time.RFC3339), rec.RequestID, rec.RequestType, rec.Priority,
			rec.Success, rec.TotalMs, failed, code)
	}
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tINVOCATIONS\tFAILURES\tFAILURE RATE")
	for _, s := range summary {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\n", s.Service, s.Invocations, s.Failures, s.FailureRate)
	}
	tw.Flush()
}

// runCatalog validates the catalog and prints its backends and the plan each
// request type gets with an empty context.
func runCatalog(file string, w io.Writer) error {
	load := func() (*catalog.Config, error) { return catalog.LoadCatalog() }
	if file != "" {
		load = func() (*catalog.Config, error) { return catalog.LoadCatalogFile(file) }
	}
	cfg, err := load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	resolved := catalog.Resolve(cfg)

	fmt.Fprintf(w, "Catalog %s@%s\n\n", resolved.Name(), resolved.Version())

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tVERSION\tBUCKET\tCOST\tTIMEOUT\tSUBJECT")
	for _, name := range resolved.Names() {
		b, _ := resolved.Get(name)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f\t%s\t%s\n",
			name, b.Version, b.Bucket, b.BaseCost, resolved.Timeout(name, 0), b.Subject)
	}
	tw.Flush()

	fmt.Fprintln(w)
	p := planner.New(resolved)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tGROUPS\tEST. COST")
	for _, t := range coordination.RequestTypes {
		plan, err := p.Plan(&coordination.Request{Type: t, Priority: coordination.PriorityMedium})
		if err != nil {
			fmt.Fprintf(tw, "%s\t(no plan: %v)\t-\n", t, err)
			continue
		}
		groups := make([]string, len(plan.ParallelGroups))
		for i, g := range plan.ParallelGroups {
			groups[i] = "[" + strings.Join(g, " ") + "]"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.0f\n", t, strings.Join(groups, " -> "), plan.EstimatedCost)
	}
	return tw.Flush()
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	// Replace path with target database name; query (e.g. sslmode) is kept on u.RawQuery.
	u.Path = "/" + dbName
	if err := db.EnsureDatabase(context.Background(), u.String()); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}
