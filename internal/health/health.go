// Package health runs named dependency checks for the probe endpoints.
package health

import (
	"context"
	"fmt"
	"sync"
)

// Status is the outcome of one check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports the health of one dependency. It should honor ctx.
type Checker func(ctx context.Context) Status

// Registry holds checkers in registration order.
type Registry struct {
	mu       sync.RWMutex
	names    []string
	checkers []Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker. The registry fills in Status.Name when the
// checker leaves it empty.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.checkers = append(r.checkers, check)
}

// CheckAll runs every checker concurrently and returns the results in
// registration order. A panicking checker counts as unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i := range checkers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = run(ctx, names[i], checkers[i])
		}(i)
	}
	wg.Wait()

	healthy := true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return healthy, statuses
}

func run(ctx context.Context, name string, check Checker) (s Status) {
	defer func() {
		if p := recover(); p != nil {
			s = Status{Name: name, Healthy: false, Detail: fmt.Sprintf("check panicked: %v", p)}
		}
	}()
	s = check(ctx)
	if s.Name == "" {
		s.Name = name
	}
	return s
}
