package arena

import "testing"

func TestAllocFreeReuse(t *testing.T) {
	a, err := New[int](2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h1, v1, ok := a.Alloc()
	if !ok {
		t.Fatal("expected alloc to succeed")
	}
	*v1 = 42

	h2, _, ok := a.Alloc()
	if !ok {
		t.Fatal("expected second alloc to succeed")
	}
	if h1 == h2 {
		t.Fatal("expected distinct handles")
	}

	if _, _, ok := a.Alloc(); ok {
		t.Fatal("expected arena exhaustion")
	}

	if got := a.Get(h1); got == nil || *got != 42 {
		t.Fatalf("Get(h1) = %v, want 42", got)
	}

	a.Free(h1)
	if got := a.Get(h1); got != nil {
		t.Fatalf("Get after Free should be nil, got %v", got)
	}

	h3, v3, ok := a.Alloc()
	if !ok {
		t.Fatal("expected alloc after free to succeed")
	}
	if *v3 != 0 {
		t.Fatalf("reused slot should be zeroed, got %v", *v3)
	}
	_ = h3
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	if _, err := New[int](0); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := New[int](-1); err == nil {
		t.Fatal("expected error for negative capacity")
	}
}

func TestLenAndCap(t *testing.T) {
	a, err := New[int](4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Cap() != 4 || a.Len() != 0 {
		t.Fatalf("fresh arena Cap/Len = %d/%d, want 4/0", a.Cap(), a.Len())
	}
	h, _, _ := a.Alloc()
	if a.Len() != 1 {
		t.Fatalf("Len after one alloc = %d, want 1", a.Len())
	}
	a.Free(h)
	if a.Len() != 0 {
		t.Fatalf("Len after free = %d, want 0", a.Len())
	}
}
