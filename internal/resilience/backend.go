package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxgate/pkg/provider/s2s"
)

var _ s2s.Provider = (*Backend)(nil)

// Backend is an s2s.Provider whose Connect calls pass through a
// [CircuitBreaker]. Established sessions are not affected by the breaker.
type Backend struct {
	name     string
	provider s2s.Provider
	breaker  *CircuitBreaker
}

// NewBackend wraps provider with a breaker configured by cfg. cfg.Name
// defaults to name.
func NewBackend(name string, provider s2s.Provider, cfg CircuitBreakerConfig) *Backend {
	if cfg.Name == "" {
		cfg.Name = name
	}
	return &Backend{
		name:     name,
		provider: provider,
		breaker:  NewCircuitBreaker(cfg),
	}
}

// Name returns the backend name the wrapper was created with.
func (b *Backend) Name() string { return b.name }

// Breaker exposes the underlying breaker, e.g. for readiness probes.
func (b *Backend) Breaker() *CircuitBreaker { return b.breaker }

// Connect dials the wrapped provider unless the breaker is open, in which case
// the returned error wraps [ErrCircuitOpen].
func (b *Backend) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var sess s2s.SessionHandle
	err := b.breaker.Execute(func() error {
		var err error
		sess, err = b.provider.Connect(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", b.name, err)
	}
	return sess, nil
}

// Capabilities returns the wrapped provider's capabilities.
func (b *Backend) Capabilities() s2s.Capabilities { return b.provider.Capabilities() }

// Check reports an error while the breaker is open. Its signature matches
// health.Checker.Check.
func (b *Backend) Check(context.Context) error {
	if st := b.breaker.State(); st == StateOpen {
		return fmt.Errorf("backend %s: circuit %s", b.name, st)
	}
	return nil
}
