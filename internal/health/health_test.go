package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) Status { return Status{Healthy: true} }

func TestCheckAll_EmptyRegistryIsHealthy(t *testing.T) {
	ok, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, ok)
	assert.Empty(t, statuses)
}

func TestCheckAll_OrderAndNames(t *testing.T) {
	r := NewRegistry()
	r.Register("database", healthy)
	r.Register("redis", func(context.Context) Status {
		return Status{Name: "redis", Healthy: false, Detail: "connection refused"}
	})

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	require.Len(t, statuses, 2)
	assert.Equal(t, Status{Name: "database", Healthy: true}, statuses[0])
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestCheckAll_RunsConcurrently(t *testing.T) {
	r := NewRegistry()
	slow := func(context.Context) Status {
		time.Sleep(100 * time.Millisecond)
		return Status{Healthy: true}
	}
	for range 5 {
		r.Register("slow", slow)
	}

	start := time.Now()
	ok, _ := r.CheckAll(context.Background())
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestCheckAll_PanicIsUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("server", func(context.Context) Status { panic("boom") })

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "server", statuses[0].Name)
	assert.Contains(t, statuses[0].Detail, "boom")
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("database", healthy)
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	_, statuses := r.CheckAll(context.Background())
	assert.Len(t, statuses, 10)
}
