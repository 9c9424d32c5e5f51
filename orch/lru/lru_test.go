package lru

import (
	"fmt"
	"testing"
)

// TestCacheEvictionOrder verifies the (N+1)th insert evicts the least
// recently used key.
func TestCacheEvictionOrder(t *testing.T) {
	c := New[string, int](3)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// "a" is oldest; inserting "d" must evict it.
	c.Set("d", 4)

	if _, ok := c.Get("a"); ok {
		t.Error("expected 'a' to be evicted")
	}
	for _, k := range []string{"b", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("expected %q to survive eviction", k)
		}
	}
	if c.Len() != 3 {
		t.Errorf("expected len 3, got %d", c.Len())
	}
}

// TestCacheGetPromotes verifies Get moves a key to most-recently-used.
func TestCacheGetPromotes(t *testing.T) {
	c := New[string, int](3)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch "a" so "b" becomes the LRU entry.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected 'a' present")
	}
	c.Set("d", 4)

	if _, ok := c.Get("b"); ok {
		t.Error("expected 'b' to be evicted after 'a' was promoted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("expected promoted 'a' to survive")
	}
}

// TestCacheSetUpdates verifies updating an existing key promotes without
// growing the cache.
func TestCacheSetUpdates(t *testing.T) {
	c := New[string, int](2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10) // update, promotes "a"
	c.Set("c", 3)  // evicts "b"

	if v, ok := c.Get("a"); !ok || v != 10 {
		t.Errorf("expected a=10, got %d ok=%v", v, ok)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("expected 'b' evicted")
	}
}

// TestCacheOnEvict verifies the eviction callback fires for overflow,
// explicit removal, and purge.
func TestCacheOnEvict(t *testing.T) {
	var evicted []string
	c := New[string, int](2)
	c.OnEvict(func(k string, _ int) { evicted = append(evicted, k) })

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3) // evicts "a"
	c.Remove("b")
	c.Purge() // evicts "c"

	want := []string{"a", "b", "c"}
	if fmt.Sprint(evicted) != fmt.Sprint(want) {
		t.Errorf("expected evictions %v, got %v", want, evicted)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache after purge, got %d", c.Len())
	}
}

// TestCacheKeysOrder verifies Keys returns LRU-to-MRU order.
func TestCacheKeysOrder(t *testing.T) {
	c := New[int, string](4)
	for i := 1; i <= 4; i++ {
		c.Set(i, "v")
	}
	c.Get(1) // promote 1 to the back

	keys := c.Keys()
	want := []int{2, 3, 4, 1}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, keys)
	}
}

// TestCacheCapacityClamp verifies a zero capacity is clamped to one entry.
func TestCacheCapacityClamp(t *testing.T) {
	c := New[string, int](0)
	c.Set("a", 1)
	c.Set("b", 2)
	if c.Len() != 1 {
		t.Errorf("expected len 1, got %d", c.Len())
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected most recent key to remain")
	}
}
