package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"crop-diagnosis-back/internal/database"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// setupPostgres starts PostgreSQL in a container and returns a migrated DB.
func setupPostgres(t *testing.T) *gorm.DB {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("crop_diagnosis_test"),
		postgres.WithUsername("crop"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	db, err := database.InitDB(database.Options{DSN: dsn, MaxOpenConns: 8}, zap.NewNop())
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	if err := database.MigrateDB(db); err != nil {
		t.Fatalf("MigrateDB: %v", err)
	}
	return db
}

func TestGormMediaRepo(t *testing.T) {
	db := setupPostgres(t)

	runStoreContract(t, func(t *testing.T) mediaStore {
		if err := db.Exec("TRUNCATE TABLE media").Error; err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return NewGormMediaRepo(db)
	})
}
