package sharedstore

import "time"

// Config configures a shared-store connection. Driver selects the adapter
// (cmd/dispatcher wires "redis" to adapters/redis and "memory" to
// adapters/memory); TLS is inferred from the URL scheme by the redis
// adapter.
type Config struct {
	Driver        string        `env:"SHARED_STORE_DRIVER" env-default:"redis"`
	URL           string        `env:"SHARED_STORE_URL" env-default:"redis://localhost:6379"`
	MaxRetries    int           `env:"SHARED_STORE_MAX_RETRIES" env-default:"3"`
	CommandTimeout time.Duration `env:"SHARED_STORE_COMMAND_TIMEOUT" env-default:"2s"`
	PoolSize      int           `env:"SHARED_STORE_POOL_SIZE" env-default:"50"`
}
