package provider

import (
	"context"
	"sync"
)

// Scripted is a provider whose outcomes are predetermined, used in
// tests and local development. Each Generate call consumes the next
// scripted step; when the script is exhausted the last step repeats.
type Scripted struct {
	name  string
	steps []Step

	mu    sync.Mutex
	calls int
}

// Step is one scripted outcome
type Step struct {
	Result *Result
	Err    error
}

// NewScripted creates a scripted provider with the given name and steps
func NewScripted(name string, steps ...Step) *Scripted {
	return &Scripted{name: name, steps: steps}
}

// Name implements Provider
func (s *Scripted) Name() string { return s.name }

// Generate implements Provider
func (s *Scripted) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.steps) == 0 {
		return &Result{ItemsProcessed: 1}, nil
	}
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++

	step := s.steps[i]
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Result, nil
}

// Calls returns how many times Generate was invoked
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
