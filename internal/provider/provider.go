package provider

import (
	"context"
	"errors"
	"fmt"
)

// Request carries one agent invocation's generation parameters
type Request struct {
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Result is the actual outcome reported by a provider. Usage figures
// come from the provider response, never from estimates.
type Result struct {
	Output         string
	ItemsProcessed int
	ItemsFailed    int
	TokensUsed     int
	CostUSD        float64
}

// Provider performs one generation call against an external service
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Result, error)
}

// TransientError marks a failure worth retrying: provider overload,
// rate limiting, or a flaky transport.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying cannot fix: bad credentials
// or an invalid request.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is classified as non-retryable
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsTransient reports whether err is explicitly marked retryable
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Registry resolves provider names from agent definitions to clients
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry over the given providers
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider registered under name
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", name)
	}
	return p, nil
}
