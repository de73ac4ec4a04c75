package ports

import (
	"errors"
	"testing"
)

func TestAllocateStaysInRangeAndSkipsUsed(t *testing.T) {
	used := map[int]struct{}{3001: {}, 3003: {}}
	for i := 0; i < 200; i++ {
		p, err := Allocate(used, 3001, 3005)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if p < 3001 || p > 3005 {
			t.Fatalf("port %d out of range", p)
		}
		if _, ok := used[p]; ok {
			t.Fatalf("returned used port %d", p)
		}
	}
}

func TestAllocateSingleFreePort(t *testing.T) {
	used := map[int]struct{}{3001: {}, 3002: {}}
	p, err := Allocate(used, 3001, 3003)
	if err != nil || p != 3003 {
		t.Fatalf("expected 3003, got %d err=%v", p, err)
	}
}

func TestAllocateCoversAllFreePorts(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 500 && len(seen) < 4; i++ {
		p, err := Allocate(nil, 4000, 4003)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		seen[p] = true
	}
	if len(seen) != 4 {
		t.Fatalf("expected every free port to be picked eventually, saw %v", seen)
	}
}

func TestAllocateNoCapacity(t *testing.T) {
	cases := []struct {
		name       string
		used       map[int]struct{}
		start, end int
	}{
		{"exhausted", map[int]struct{}{3001: {}, 3002: {}}, 3001, 3002},
		{"inverted", nil, 3005, 3001},
		{"zero", nil, 0, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Allocate(tc.used, tc.start, tc.end); !errors.Is(err, ErrNoCapacity) {
				t.Fatalf("expected ErrNoCapacity, got %v", err)
			}
		})
	}
}
