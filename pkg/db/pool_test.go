package db

import (
	"context"
	"strings"
	"testing"
	"time"
)

const poolTestPrefix = "db:pool_test"

func TestNewPool_RejectsBadURLs(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"unknown scheme", "invalid://not-a-valid-database-url"},
		{"bad port", "postgres://user@localhost:notaport/coordinator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			pool, err := NewPool(ctx, tt.url)
			if err == nil {
				if pool != nil {
					pool.Close()
				}
				t.Fatalf("%s - expected error for %q", poolTestPrefix, tt.url)
			}
			if pool != nil {
				t.Errorf("%s - expected nil pool on error", poolTestPrefix)
			}
		})
	}
}

func TestJournalTableMatchesMigration(t *testing.T) {
	migrations, err := LoadMigrations("../../migrations")
	if err != nil {
		t.Fatalf("%s - LoadMigrations: %v", poolTestPrefix, err)
	}
	if len(migrations) == 0 {
		t.Fatalf("%s - no migrations found", poolTestPrefix)
	}
	found := false
	for _, m := range migrations {
		if strings.Contains(m.SQL, journalTable) {
			found = true
		}
	}
	if !found {
		t.Errorf("%s - no migration creates %s", poolTestPrefix, journalTable)
	}
}

