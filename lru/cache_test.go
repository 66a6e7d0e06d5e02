package lru

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestBasicGetPut(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected a=1, got %v %v", v, ok)
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatalf("expected b=2, got %v %v", v, ok)
	}
}

func TestEviction(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a")

	evicted, ok := c.Put("c", 3)
	if !ok || evicted != "b" {
		t.Fatalf("expected eviction of b, got %q %v", evicted, ok)
	}
	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	if s := c.Stats(); s.Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", s.Evictions)
	}
}

func TestUpdateDoesNotEvict(t *testing.T) {
	c := New[string, int](1)
	c.Put("a", 1)
	if _, ok := c.Put("a", 2); ok {
		t.Fatal("update must not evict")
	}
	if v, _ := c.Get("a"); v != 2 {
		t.Fatalf("expected a=2, got %d", v)
	}
}

func TestDeleteFunc(t *testing.T) {
	c := New[string, int](8)
	c.Put("p1/idea", 1)
	c.Put("p1/users", 2)
	c.Put("p2/idea", 3)

	n := c.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, "p1/") })
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 left, got %d", c.Len())
	}
	if _, ok := c.Get("p2/idea"); !ok {
		t.Fatal("p2/idea should survive")
	}
}

func TestStatsAndClear(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	c.Clear()
	if c.Len() != 0 || c.Stats() != (Stats{}) {
		t.Fatal("clear should reset entries and stats")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[string, int](64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%100)
				c.Put(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 64 {
		t.Fatalf("cache exceeded capacity: %d", c.Len())
	}
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New[string, int](0)
}
