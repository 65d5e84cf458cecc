package cache

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(size int, ttl time.Duration) (*LRUCache[string], *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)}
	c := NewLRUCache[string](size, ttl)
	c.now = clk.Now
	return c, clk
}

func TestLRUCacheGetSet(t *testing.T) {
	c, _ := newTestCache(4, time.Minute)
	c.Set("a", "1")
	if v, ok := c.Get("a"); !ok || v != "1" {
		t.Fatalf("Get(a) = %q, %v", v, ok)
	}
	c.Set("a", "2")
	if v, _ := c.Get("a"); v != "2" {
		t.Fatalf("overwrite failed: %q", v)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("unexpected hit")
	}
}

func TestLRUCacheExpiry(t *testing.T) {
	c, clk := newTestCache(4, 5*time.Minute)
	c.Set("a", "1")
	clk.Advance(4 * time.Minute)
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("entry expired early")
	}
	clk.Advance(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("entry should have expired")
	}
	if c.Size() != 0 {
		t.Fatalf("expired entry not removed on read")
	}
}

func TestLRUCacheEviction(t *testing.T) {
	c, _ := newTestCache(2, time.Minute)
	c.Set("a", "1")
	c.Set("b", "2")
	c.Get("a")
	c.Set("c", "3")
	if _, ok := c.Get("b"); ok {
		t.Fatalf("least recently used entry should be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("recently used entry evicted")
	}
}

func TestLRUCacheInvalidation(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	for _, k := range []string{"2025-04", "2025-05", "2024-04"} {
		c.Set(k, k)
	}
	c.Delete("2025-04")
	c.Delete("missing")
	if c.Size() != 2 {
		t.Fatalf("size = %d, want 2", c.Size())
	}
	if _, ok := c.Get("2025-04"); ok {
		t.Fatalf("deleted entry still present")
	}
	c.Set("x", "y")
	c.Purge()
	if c.Size() != 0 {
		t.Fatalf("purge left %d entries", c.Size())
	}
	c.Set("after", "purge")
	if _, ok := c.Get("after"); !ok {
		t.Fatalf("cache unusable after purge")
	}
}

func TestLRUCacheCleanExpired(t *testing.T) {
	c, clk := newTestCache(10, time.Minute)
	c.Set("old", "1")
	clk.Advance(30 * time.Second)
	c.Set("new", "2")
	clk.Advance(45 * time.Second)
	if n := c.CleanExpired(); n != 1 {
		t.Fatalf("CleanExpired = %d, want 1", n)
	}
	if _, ok := c.Get("new"); !ok {
		t.Fatalf("fresh entry removed")
	}
}

func TestManagerClear(t *testing.T) {
	roles, _ := newTestCache(10, time.Minute)
	data, _ := newTestCache(10, time.Minute)
	roles.Set("a@example.com", "admin")
	data.Set("2025", "x")

	m := NewManager()
	m.Register("roles", roles)
	m.Register("data", data)

	if got := m.Clear("data", "unknown"); len(got) != 1 || got[0] != "data" {
		t.Fatalf("Clear(data) = %v", got)
	}
	if data.Size() != 0 || roles.Size() != 1 {
		t.Fatalf("wrong cache cleared")
	}
	if got := m.Clear(); len(got) != 2 {
		t.Fatalf("Clear() = %v", got)
	}
	if roles.Size() != 0 {
		t.Fatalf("roles not cleared")
	}
	if names := m.Names(); len(names) != 2 || names[0] != "roles" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestManagerCleanupLifecycle(t *testing.T) {
	m := NewManager()
	c, _ := newTestCache(1, time.Nanosecond)
	m.Register("c", c)
	m.StartCleanup(time.Millisecond)
	m.Stop()
	m.Stop()
}

func TestLRUCacheStats(t *testing.T) {
	c, clk := newTestCache(10, time.Minute)
	c.Set("a", "1")
	c.Get("a")
	c.Get("a")
	c.Get("b")
	clk.Advance(2 * time.Minute)
	c.Get("a")

	got := c.Stats()
	if got.Hits != 2 || got.Misses != 2 || got.Entries != 0 {
		t.Fatalf("Stats = %+v", got)
	}

	m := NewManager()
	m.Register("data", c)
	if s := m.Stats()["data"]; s != got {
		t.Fatalf("Manager.Stats = %+v, want %+v", s, got)
	}
}
