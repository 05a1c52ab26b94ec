package seq

import "testing"

func TestBetween(t *testing.T) {
	tests := []struct {
		name            string
		start, end, val uint32
		want            bool
	}{
		{"inside plain arc", 10, 20, 15, true},
		{"at plain start", 10, 20, 10, true},
		{"at plain end", 10, 20, 20, true},
		{"above plain arc", 10, 20, 25, false},
		{"below plain arc", 10, 20, 5, false},
		{"wrapped arc crossing zero", 0xFFFFFFF0, 5, 2, true},
		{"wrapped arc before zero", 0xFFFFFFF0, 5, 0xFFFFFFF8, true},
		{"wrapped arc at start", 0xFFFFFFF0, 5, 0xFFFFFFF0, true},
		{"wrapped arc at end", 0xFFFFFFF0, 5, 5, true},
		{"wrapped arc at zero", 0xFFFFFFF0, 5, 0, true},
		{"outside wrapped arc", 0xFFFFFFF0, 5, 6, false},
		{"outside wrapped arc low", 0xFFFFFFF0, 5, 0xFFFFFFEF, false},
		{"far outside wrapped arc", 0xFFFFFFF0, 5, 0x80000000, false},
		{"arc ending at max", 0, 0xFFFFFFFF, 0x80000000, true},
		{"arc around midpoint", 0x7FFFFFFF, 0x80000001, 0x80000000, true},
		{"arc around midpoint miss", 0x80000001, 0x7FFFFFFF, 0x80000000, false},
		{"single point hit", 42, 42, 42, true},
		{"single point miss above", 42, 42, 43, false},
		{"single point miss below", 42, 42, 41, false},
		{"single point at zero", 0, 0, 0, true},
		{"single point at zero miss", 0, 0, 0xFFFFFFFF, false},
		{"single point at max", 0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF, true},
		{"single point at max miss", 0xFFFFFFFF, 0xFFFFFFFF, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Between(tt.start, tt.end, tt.val); got != tt.want {
				t.Errorf("Between(%#x, %#x, %#x) = %v, want %v",
					tt.start, tt.end, tt.val, got, tt.want)
			}
		})
	}
}

// Between must give the same answer when all three points rotate together.
func TestBetweenRotationInvariant(t *testing.T) {
	shifts := []uint32{0, 1, 7, 0x7FFFFFFF, 0x80000000, 0xFFFFFFF9, 0xFFFFFFFF}
	cases := []struct {
		start, end, val uint32
		want            bool
	}{
		{5, 10, 7, true},
		{6, 10, 5, false}, // one below start after the una+1 convention
		{6, 10, 6, true},
		{6, 10, 10, true},
		{6, 10, 11, false},
	}
	for _, shift := range shifts {
		for _, c := range cases {
			got := Between(c.start+shift, c.end+shift, c.val+shift)
			if got != c.want {
				t.Errorf("shift %#x: Between(%#x, %#x, %#x) = %v, want %v",
					shift, c.start+shift, c.end+shift, c.val+shift, got, c.want)
			}
		}
	}
}

func TestAddWraps(t *testing.T) {
	if got := Add(0xFFFFFFFF, 1); got != 0 {
		t.Errorf("Add(0xFFFFFFFF, 1) = %#x, want 0", got)
	}
	if got := Add(0xFFFFFFF0, 0x20); got != 0x10 {
		t.Errorf("Add(0xFFFFFFF0, 0x20) = %#x, want 0x10", got)
	}
	if got := Add(100, 0); got != 100 {
		t.Errorf("Add(100, 0) = %d, want 100", got)
	}
}

func TestSubWraps(t *testing.T) {
	if got := Sub(0, 1); got != 0xFFFFFFFF {
		t.Errorf("Sub(0, 1) = %#x, want 0xFFFFFFFF", got)
	}
	if got := Sub(5, 10); got != 0xFFFFFFFB {
		t.Errorf("Sub(5, 10) = %#x, want 0xFFFFFFFB", got)
	}
	if got := Sub(Add(7, 3), 3); got != 7 {
		t.Errorf("Sub(Add(7, 3), 3) = %d, want 7", got)
	}
}
