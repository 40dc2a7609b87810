package timegrid

import "testing"

func TestFloor(t *testing.T) {
	cases := []struct {
		name string
		t, d int64
		want int64
	}{
		{"exact boundary", 120, 60, 120},
		{"mid interval", 125, 60, 120},
		{"one second before boundary", 119, 60, 60},
		{"zero", 0, 60, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Floor(tc.t, tc.d); got != tc.want {
				t.Fatalf("Floor(%d,%d) = %d, want %d", tc.t, tc.d, got, tc.want)
			}
		})
	}
}

func TestNext(t *testing.T) {
	if got := Next(125, 60); got != 180 {
		t.Fatalf("Next(125,60) = %d, want 180", got)
	}
}

func TestBoundaryLaw(t *testing.T) {
	// An observation exactly at t = k*60 belongs to minute k, not k-1.
	k := int64(37)
	at := k * 60
	if got := Floor(at, 60); got != at {
		t.Fatalf("boundary law violated: Floor(%d,60) = %d, want %d", at, got, at)
	}
}

func TestIsFloored(t *testing.T) {
	if !IsFloored(120, 60) {
		t.Fatalf("expected 120 floored to 60s grid")
	}
	if IsFloored(125, 60) {
		t.Fatalf("expected 125 not floored to 60s grid")
	}
}

func TestBoundaries(t *testing.T) {
	got := Boundaries(65, 245, 60)
	want := []int64{120, 180, 240}
	if len(got) != len(want) {
		t.Fatalf("Boundaries length = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Boundaries[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
