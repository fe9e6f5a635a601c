package buffer

import (
	"sync"
	"testing"
)

func TestNew(t *testing.T) {
	buf := New[int](10)

	if buf.Cap() != 10 {
		t.Errorf("Expected capacity 10, got %d", buf.Cap())
	}
	if buf.Len() != 0 {
		t.Errorf("Expected size 0, got %d", buf.Len())
	}
}

func TestNew_MinimumCapacity(t *testing.T) {
	buf := New[int](0)

	if buf.Cap() != 1 {
		t.Errorf("Expected capacity 1, got %d", buf.Cap())
	}
}

func TestAdd_PreservesOrder(t *testing.T) {
	buf := New[string](5)
	for _, item := range []string{"a", "b", "c"} {
		if buf.Add(item) {
			t.Errorf("Expected no overwrite adding %s", item)
		}
	}

	got := buf.Drain(0)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("Expected [a b c], got %v", got)
	}
	if buf.Len() != 0 {
		t.Errorf("Expected empty buffer after drain, got %d", buf.Len())
	}
}

func TestAdd_OverwritesOldest(t *testing.T) {
	buf := New[int](3)
	for i := 1; i <= 3; i++ {
		buf.Add(i)
	}

	if !buf.Add(4) {
		t.Error("Expected overwrite when full")
	}
	if !buf.Add(5) {
		t.Error("Expected overwrite when full")
	}

	if buf.Dropped() != 2 {
		t.Errorf("Expected 2 dropped, got %d", buf.Dropped())
	}

	got := buf.Drain(0)
	expected := []int{3, 4, 5}
	if len(got) != len(expected) {
		t.Fatalf("Expected %d items, got %d", len(expected), len(got))
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Expected %d at %d, got %d", expected[i], i, got[i])
		}
	}
}

func TestDrain_Partial(t *testing.T) {
	buf := New[int](5)
	for i := 1; i <= 5; i++ {
		buf.Add(i)
	}

	first := buf.Drain(2)
	if len(first) != 2 || first[0] != 1 || first[1] != 2 {
		t.Errorf("Expected [1 2], got %v", first)
	}
	if buf.Len() != 3 {
		t.Errorf("Expected 3 remaining, got %d", buf.Len())
	}

	buf.Add(6)
	buf.Add(7)

	rest := buf.Drain(10)
	expected := []int{3, 4, 5, 6, 7}
	if len(rest) != len(expected) {
		t.Fatalf("Expected %d items, got %d", len(expected), len(rest))
	}
	for i := range expected {
		if rest[i] != expected[i] {
			t.Errorf("Expected %d at %d, got %d", expected[i], i, rest[i])
		}
	}
}

func TestDrain_Empty(t *testing.T) {
	buf := New[int](3)

	if got := buf.Drain(0); got != nil {
		t.Errorf("Expected nil from empty buffer, got %v", got)
	}
}

func TestConcurrentAdd(t *testing.T) {
	buf := New[int](1000)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buf.Add(i)
			}
		}()
	}
	wg.Wait()

	if buf.Len() != 1000 {
		t.Errorf("Expected 1000 items, got %d", buf.Len())
	}
	if buf.Dropped() != 0 {
		t.Errorf("Expected no drops, got %d", buf.Dropped())
	}
}
