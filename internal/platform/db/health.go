package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// HealthCheck pings the pool and reports its statistics. It is registered
// as the "postgres" component of the service health endpoint.
func HealthCheck(pool *pgxpool.Pool) func(ctx context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		stats := GetPoolStats(pool)
		if err := pool.Ping(ctx); err != nil {
			return stats, fmt.Errorf("ping database: %w", err)
		}
		return stats, nil
	}
}
