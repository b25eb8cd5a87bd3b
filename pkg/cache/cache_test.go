package cache

import (
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := New(4, 0)
	c.Set("a", 1)

	v, ok := c.Get("a")
	if !ok {
		t.Fatal("Expected hit for key a")
	}
	if v.(int) != 1 {
		t.Errorf("Expected 1, got %v", v)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("Expected miss for absent key")
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(3, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch a and b so c becomes least recently used
	c.Get("a")
	c.Get("b")

	c.Set("d", 4)

	if _, ok := c.Get("c"); ok {
		t.Error("Expected c to be evicted")
	}
	for _, key := range []string{"a", "b", "d"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("Expected %s to survive eviction", key)
		}
	}
}

func TestUpdateDoesNotEvict(t *testing.T) {
	c := New(2, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10) // update, not insert

	if _, ok := c.Get("b"); !ok {
		t.Error("Updating an existing key must not evict")
	}
	v, _ := c.Get("a")
	if v.(int) != 10 {
		t.Errorf("Expected updated value 10, got %v", v)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(4, 2*time.Second)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("a", 1)

	// Within TTL
	c.now = func() time.Time { return base.Add(1 * time.Second) }
	if _, ok := c.Get("a"); !ok {
		t.Fatal("Expected hit within TTL")
	}

	// Past TTL: miss, entry evicted lazily
	c.now = func() time.Time { return base.Add(2100 * time.Millisecond) }
	if _, ok := c.Get("a"); ok {
		t.Error("Expected miss after TTL expiry")
	}
	if got := c.GetStats().Size; got != 0 {
		t.Errorf("Expected expired entry to be evicted, size=%d", got)
	}
}

func TestStats(t *testing.T) {
	c := New(4, 0)
	c.Set("a", 1)

	c.Get("a")
	c.Get("a")
	c.Get("missing")

	stats := c.GetStats()
	if stats.Hits != 2 {
		t.Errorf("Expected 2 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", stats.Misses)
	}
	if stats.Size != 1 {
		t.Errorf("Expected size 1, got %d", stats.Size)
	}
}

func TestClear(t *testing.T) {
	c := New(4, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a")

	c.Clear()

	stats := c.GetStats()
	if stats.Size != 0 || stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("Expected reset stats, got %+v", stats)
	}
	if _, ok := c.Get("a"); ok {
		t.Error("Expected miss after Clear")
	}
}
