package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryAddGetRemove(t *testing.T) {
	registry := NewRegistry()
	c := &Controller{sessionID: "s-1-aaaa"}

	registry.Add("s-1-aaaa", c)
	got, ok := registry.Get("s-1-aaaa")
	assert.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, registry.Len())

	registry.Remove("s-1-aaaa", c)
	_, ok = registry.Get("s-1-aaaa")
	assert.False(t, ok)
	assert.Equal(t, 0, registry.Len())
}

func TestRegistryRemoveIgnoresReplacedController(t *testing.T) {
	registry := NewRegistry()
	old := &Controller{sessionID: "s-1-aaaa"}
	replacement := &Controller{sessionID: "s-1-aaaa"}

	registry.Add("s-1-aaaa", old)
	registry.Add("s-1-aaaa", replacement)

	// The old controller tearing down must not evict the reconnect
	registry.Remove("s-1-aaaa", old)
	got, ok := registry.Get("s-1-aaaa")
	assert.True(t, ok)
	assert.Same(t, replacement, got)
}

func TestRegistrySnapshotIsStable(t *testing.T) {
	registry := NewRegistry()
	registry.Add("s-1-aaaa", &Controller{sessionID: "s-1-aaaa"})
	registry.Add("s-2-bbbb", &Controller{sessionID: "s-2-bbbb"})

	snapshot := registry.Snapshot()
	registry.Remove("s-1-aaaa", snapshot["s-1-aaaa"])

	// The snapshot keeps its entries after concurrent removal
	assert.Len(t, snapshot, 2)
	assert.Equal(t, 1, registry.Len())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s-%d-abcd", i)
			c := &Controller{sessionID: id}
			registry.Add(id, c)
			registry.Snapshot()
			if i%2 == 0 {
				registry.Remove(id, c)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, registry.Len())
}
