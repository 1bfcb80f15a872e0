package ring

import (
	"reflect"
	"testing"
)

func TestBufferEvictsOldest(t *testing.T) {
	t.Parallel()
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	if got, want := b.Values(), []int{3, 4, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("Values() = %v, want %v", got, want)
	}
	if b.Len() != 3 {
		t.Errorf("Len() = %d, want 3", b.Len())
	}
}

func TestBufferUnderCapacity(t *testing.T) {
	t.Parallel()
	b := New[string](5)
	b.Push("a")
	b.Push("b")
	if got, want := b.Values(), []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Values() = %v, want %v", got, want)
	}
}

func TestBufferPopFront(t *testing.T) {
	t.Parallel()
	b := New[int](2)
	if _, ok := b.PopFront(); ok {
		t.Fatalf("PopFront on empty buffer returned ok=true")
	}
	b.Push(1)
	b.Push(2)
	b.Push(3) // evicts 1
	v, ok := b.PopFront()
	if !ok || v != 2 {
		t.Fatalf("PopFront() = %d, %v, want 2, true", v, ok)
	}
	if b.Len() != 1 {
		t.Errorf("Len() after PopFront = %d, want 1", b.Len())
	}
	v, ok = b.PopFront()
	if !ok || v != 3 {
		t.Fatalf("PopFront() = %d, %v, want 3, true", v, ok)
	}
	if _, ok := b.PopFront(); ok {
		t.Fatalf("PopFront on drained buffer returned ok=true")
	}
}

func TestBufferReset(t *testing.T) {
	t.Parallel()
	b := New[int](2)
	b.Push(1)
	b.Push(2)
	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", b.Len())
	}
	b.Push(9)
	if got, want := b.Values(), []int{9}; !reflect.DeepEqual(got, want) {
		t.Errorf("Values() = %v, want %v", got, want)
	}
}
