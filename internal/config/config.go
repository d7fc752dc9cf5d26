// Package config defines the single configuration surface cmd/dispatcher
// loads at startup, aggregating every package-level Config named in spec
// §6 plus the ambient settings (logging, tracing, discovery) a production
// instance needs.
package config

import (
	jwtauth "github.com/weelo/dispatch-core/pkg/auth/adapters/jwt"
	"github.com/weelo/dispatch-core/pkg/auth/session"
	"github.com/weelo/dispatch-core/pkg/database/sql"
	"github.com/weelo/dispatch-core/pkg/logger"
	kafka "github.com/weelo/dispatch-core/pkg/messaging/adapters/kafka"
	"github.com/weelo/dispatch-core/pkg/servicemesh/discovery"
	"github.com/weelo/dispatch-core/pkg/sharedstore"
	"github.com/weelo/dispatch-core/pkg/telemetry"

	"github.com/weelo/dispatch-core/internal/delivery"
	"github.com/weelo/dispatch-core/internal/dispatcher"
	"github.com/weelo/dispatch-core/internal/lifecycle"
	"github.com/weelo/dispatch-core/internal/presence"
	"github.com/weelo/dispatch-core/internal/timer"
)

// AppConfig is loaded once at boot via pkg/config.Load and threaded through
// to every component constructor in cmd/dispatcher.
type AppConfig struct {
	AppEnv          string `env:"APP_ENV" env-default:"development" validate:"required,oneof=development staging production"`
	HTTPPort        int    `env:"HTTP_PORT" env-default:"8080"`
	ShutdownSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" env-default:"15"`

	// AuditLogEnabled turns on the best-effort audit trail in
	// internal/lifecycle. Kafka carries it when brokers are configured,
	// otherwise the in-memory broker does. Kafka settings are never
	// validated at load (the "-" tag below).
	AuditLogEnabled bool `env:"AUDIT_LOG_ENABLED" env-default:"false"`

	Logger      logger.Config
	Telemetry   telemetry.Config
	SharedStore sharedstore.Config
	Resilience  sharedstore.ResilientConfig
	Database    sql.Config
	Discovery   discovery.Config
	Session     session.Config
	JWT         jwtauth.Config
	Kafka       kafka.Config `validate:"-"`

	Dispatcher dispatcher.Config
	Lifecycle  lifecycle.Config
	Presence   presence.Config
	Delivery   delivery.Config
	Timer      timer.Config
}

// IsProduction reports whether the shared store must be reachable before
// this instance is allowed to serve traffic (spec §4.1).
func (c AppConfig) IsProduction() bool {
	return c.AppEnv == "production"
}
