package testhelpers

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"settlement-service/internal/db"
)

type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

func CreatePostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("settlement-test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, err
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, err
	}

	return &PostgresContainer{
		PostgresContainer: pgContainer,
		ConnectionString:  connStr,
	}, nil
}

// Database is a migrated container plus a pool, shared by a test suite.
type Database struct {
	Container *PostgresContainer
	Pool      *pgxpool.Pool
}

func StartDatabase(ctx context.Context) (*Database, error) {
	container, err := CreatePostgresContainer(ctx)
	if err != nil {
		return nil, err
	}

	if err := db.RunMigrations(container.ConnectionString); err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	pool, err := db.GetPool(ctx, container.ConnectionString)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &Database{Container: container, Pool: pool}, nil
}

// Reset empties every table and restarts id sequences at 1.
func (d *Database) Reset(ctx context.Context) error {
	_, err := d.Pool.Exec(ctx, "TRUNCATE payments, worker_payouts, settlement_audit RESTART IDENTITY")
	return err
}

func (d *Database) Close(ctx context.Context) error {
	d.Pool.Close()
	return d.Container.Terminate(ctx)
}
