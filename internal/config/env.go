// Package config holds the environment-variable half of the
// configuration: site/operator knobs that don't belong on every
// invocation's command line.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Env is parsed once at process start. All environment parsing lives
// here; nothing else in the tree reads os.Getenv.
type Env struct {
	LogLevel      string        `env:"RUDT_LOG_LEVEL,default=info"`
	MaxSessions   int           `env:"RUDT_MAX_SESSIONS,default=100"`
	IdleTimeout   time.Duration `env:"RUDT_IDLE_TIMEOUT,default=30s"`
	SweepInterval time.Duration `env:"RUDT_SWEEP_INTERVAL,default=10s"`
}

// LoadEnv reads Env from the process environment.
func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	err := envconfig.Process(ctx, &env)
	return env, err
}
