package client

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"identity-service/internal/config"
)

const defaultHealthTimeout = 5 * time.Second

// PostgresClient is the connection pool for the user directory.
type PostgresClient struct {
	DB     *sqlx.DB
	logger *zap.Logger
}

func NewPostgresClient(cfg *config.Config, logger *zap.Logger) (*PostgresClient, error) {
	pc := cfg.Postgres

	db, err := sqlx.Open("postgres", pc.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory database: %w", err)
	}
	db.SetMaxOpenConns(pc.MaxOpenConns)
	db.SetMaxIdleConns(pc.MaxIdleConns)
	db.SetConnMaxLifetime(pc.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), defaultHealthTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping directory database: %w", err)
	}

	logger.Info("Directory database initialized",
		zap.Int("max_open_conns", pc.MaxOpenConns))

	return &PostgresClient{DB: db, logger: logger}, nil
}

func (p *PostgresClient) HealthCheck(ctx context.Context) error {
	return p.DB.PingContext(ctx)
}

func (p *PostgresClient) Close() error {
	if p.DB == nil {
		return nil
	}
	if err := p.DB.Close(); err != nil {
		p.logger.Error("Failed to close directory database", zap.Error(err))
		return err
	}
	p.logger.Info("Directory database closed")
	return nil
}
