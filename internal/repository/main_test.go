package repository_test

import (
	"context"
	"database/sql"
	"log"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/sthanfv/el-buen-corte--sub000/internal/db"
)

var (
	testDB    *sql.DB
	container *postgres.PostgresContainer
	setupErr  error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if testDB != nil {
		testDB.Close()
	}
	if container != nil {
		if err := testcontainers.TerminateContainer(container); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}
	os.Exit(code)
}

// openDB uses TEST_DSN when set and a throwaway postgres container otherwise.
func openDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres tests skipped in short mode")
	}
	if testDB != nil || setupErr != nil {
		if setupErr != nil {
			t.Skipf("postgres unavailable: %v", setupErr)
		}
		return testDB
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := os.Getenv("TEST_DSN")
	if dsn == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		container, setupErr = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("storefront_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			postgres.BasicWaitStrategies(),
		)
		if setupErr != nil {
			t.Skipf("postgres unavailable: %v", setupErr)
		}
		dsn, setupErr = container.ConnectionString(ctx, "sslmode=disable")
		if setupErr != nil {
			t.Skipf("postgres unavailable: %v", setupErr)
		}
	}

	testDB, setupErr = db.NewDB(ctx, dsn)
	if setupErr != nil {
		t.Skipf("postgres unavailable: %v", setupErr)
	}
	return testDB
}

func truncate(t *testing.T, conn *sql.DB) {
	t.Helper()
	_, err := conn.Exec(`TRUNCATE orders, products, tasks, audit_logs RESTART IDENTITY`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
}
