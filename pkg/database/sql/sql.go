// Package sql defines the relational-store connection contract shared by
// the postgres and sqlite adapters.
package sql

import (
	"context"
	"time"

	"github.com/weelo/dispatch-core/pkg/database"
	"gorm.io/gorm"
)

// Config configures a relational connection. For the sqlite adapter, Name
// doubles as the filepath.
type Config struct {
	Driver          database.Driver `env:"DB_DRIVER" validate:"required"`
	Host            string          `env:"DB_HOST"`
	User            string          `env:"DB_USER"`
	Password        string          `env:"DB_PASSWORD"`
	Name            string          `env:"DB_NAME"`
	Port            string          `env:"DB_PORT"`
	SSLMode         string          `env:"DB_SSLMODE" env-default:"disable"`
	MaxIdleConns    int             `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	MaxOpenConns    int             `env:"DB_MAX_OPEN_CONNS" env-default:"100"`
	ConnMaxLifetime time.Duration   `env:"DB_CONN_MAX_LIFETIME" env-default:"1h"`
}

// SQL is the contract a relational adapter (postgres, sqlite) implements.
type SQL interface {
	Get(ctx context.Context) *gorm.DB
	GetShard(ctx context.Context, key string) (*gorm.DB, error)
	Close() error
}
