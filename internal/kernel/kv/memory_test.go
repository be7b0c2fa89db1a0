package kv

import (
	"context"
	"testing"
)

func TestMemoryGetSetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, ok, err := m.Get(ctx, "t1"); err != nil || ok {
		t.Fatalf("expected miss on empty store, got ok=%v err=%v", ok, err)
	}

	if err := m.Set(ctx, "t1", map[string]any{"a": 1}); err != nil {
		t.Fatalf("set: %v", err)
	}

	row, ok, err := m.Get(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if row["a"] != 1 {
		t.Fatalf("unexpected row: %v", row)
	}

	// mutating the returned map must not affect the store
	row["a"] = 999
	row2, _, _ := m.Get(ctx, "t1")
	if row2["a"] != 1 {
		t.Fatalf("store mutated via returned map: %v", row2)
	}

	if err := m.Delete(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "t1"); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestMemoryClosed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Set(ctx, "t1", map[string]any{}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, _, err := m.Get(ctx, "t1"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
