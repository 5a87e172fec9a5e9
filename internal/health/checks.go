package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avaroute/internal/backend"
	"github.com/vyrodovalexey/avaroute/internal/util"
)

// HealthCheck is a readiness dependency of the router itself.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to HealthCheck.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheckFunc creates a named check from fn.
func NewCheckFunc(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

// Name implements HealthCheck.
func (f *CheckFunc) Name() string {
	return f.name
}

// Check implements HealthCheck.
func (f *CheckFunc) Check(ctx context.Context) error {
	return f.fn(ctx)
}

// RedisCheck reports whether the shared circuit store answers PING.
func RedisCheck(name string, client redis.UniversalClient) *CheckFunc {
	return NewCheckFunc(name, func(ctx context.Context) error {
		if client == nil {
			return errors.New("redis client is nil")
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	})
}

// BackendsCheck reports whether at least one backend is routable.
func BackendsCheck(name string, registry *backend.Registry) *CheckFunc {
	return NewCheckFunc(name, func(context.Context) error {
		if len(registry.Healthy()) == 0 {
			return util.ErrNoHealthyBackends
		}
		return nil
	})
}
