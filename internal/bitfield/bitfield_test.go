package bitfield

import "testing"

func TestSetTestClear(t *testing.T) {
	bf := New(64)

	for i := 0; i < 64; i++ {
		if err := bf.Set(i); err != nil {
			t.Fatalf("Set(%d) error: %v", i, err)
		}
		if !bf.Test(i) {
			t.Fatalf("Test(%d) = false after Set", i)
		}
		if err := bf.Clear(i); err != nil {
			t.Fatalf("Clear(%d) error: %v", i, err)
		}
		if bf.Test(i) {
			t.Fatalf("Test(%d) = true after Clear", i)
		}
	}
}

func TestOutOfRangeIsError(t *testing.T) {
	bf := New(8)

	if err := bf.Set(8); err == nil {
		t.Fatalf("Set(8) on an 8-bit field should error")
	}
	if err := bf.Set(-1); err == nil {
		t.Fatalf("Set(-1) should error")
	}
	if bf.Test(8) || bf.Test(-1) {
		t.Fatalf("Test should report false, not panic, for out-of-range")
	}
}

func TestRangeSetClear(t *testing.T) {
	bf := New(64)

	if err := bf.SetRange(4, 21); err != nil {
		t.Fatalf("SetRange: %v", err)
	}
	if err := bf.ClearRange(8, 24); err != nil {
		t.Fatalf("ClearRange: %v", err)
	}

	for i := 4; i < 8; i++ {
		if !bf.Test(i) {
			t.Fatalf("bit %d should be set", i)
		}
	}
	for i := 0; i < 4; i++ {
		if bf.Test(i) {
			t.Fatalf("bit %d should be clear", i)
		}
	}
	for i := 8; i < 64; i++ {
		if bf.Test(i) {
			t.Fatalf("bit %d should be clear", i)
		}
	}
	if got := bf.Count(); got != 4 {
		t.Fatalf("Count() = %d; want 4", got)
	}
}

func TestHaveAllRoundtrip(t *testing.T) {
	bf := New(100)
	bf.SetHasAll()

	raw := bf.ToRaw()
	if len(raw) != 13 {
		t.Fatalf("len(raw) = %d; want 13", len(raw))
	}
	if raw[12] != 0xF0 {
		t.Fatalf("final byte = %#x; want 0xf0", raw[12])
	}

	b2 := New(100)
	if err := b2.SetFromRaw(raw); err != nil {
		t.Fatalf("SetFromRaw: %v", err)
	}
	if got := b2.Count(); got != 100 {
		t.Fatalf("Count() = %d; want 100", got)
	}
	if !b2.Test(99) {
		t.Fatalf("Test(99) = false; want true")
	}
}

func TestHaveAllHaveNoneHints(t *testing.T) {
	bf := NewHaveAll(10)
	if !bf.HasAll() {
		t.Fatalf("expected have-all state")
	}
	for i := 0; i < 10; i++ {
		if !bf.Test(i) {
			t.Fatalf("have-all bit %d should test true", i)
		}
	}

	bf.SetHasNone()
	if !bf.HasNone() {
		t.Fatalf("expected have-none state")
	}
	for i := 0; i < 10; i++ {
		if bf.Test(i) {
			t.Fatalf("have-none bit %d should test false", i)
		}
	}
}

func TestCanonicalCollapse(t *testing.T) {
	bf := New(8)
	for i := 0; i < 8; i++ {
		bf.Set(i)
	}
	if !bf.HasAll() {
		t.Fatalf("setting every bit should collapse to have-all")
	}

	for i := 0; i < 8; i++ {
		bf.Clear(i)
	}
	if !bf.HasNone() {
		t.Fatalf("clearing every bit should collapse to have-none")
	}
}

func TestSetFromRawWrongLength(t *testing.T) {
	bf := New(10)
	if err := bf.SetFromRaw([]byte{0x00}); err == nil {
		t.Fatalf("expected error for wrong-length raw bytes")
	}
}

func TestCountRangeMatchesTestLoop(t *testing.T) {
	bf := New(40)
	for _, i := range []int{0, 1, 7, 8, 15, 16, 31, 39} {
		bf.Set(i)
	}

	for a := 0; a < 40; a++ {
		for b := a + 1; b <= 40; b++ {
			want := 0
			for i := a; i < b; i++ {
				if bf.Test(i) {
					want++
				}
			}
			if got := bf.CountRange(a, b); got != want {
				t.Fatalf("CountRange(%d,%d) = %d; want %d", a, b, got, want)
			}
		}
	}
}

func TestOrAndEqualCommutativeIdempotent(t *testing.T) {
	a := New(16)
	a.SetRange(0, 4)
	b := New(16)
	b.SetRange(2, 8)

	ab := a.Clone()
	ab.OrEqual(b)
	ba := b.Clone()
	ba.OrEqual(a)
	if ab.String() != ba.String() {
		t.Fatalf("OrEqual not commutative: %s != %s", ab.String(), ba.String())
	}

	again := ab.Clone()
	again.OrEqual(ab)
	if again.String() != ab.String() {
		t.Fatalf("OrEqual not idempotent on equal inputs")
	}

	andAgain := ab.Clone()
	andAgain.AndEqual(ab)
	if andAgain.String() != ab.String() {
		t.Fatalf("AndEqual not idempotent on equal inputs")
	}
}

func TestIsValid(t *testing.T) {
	bf := New(20)
	bf.SetRange(0, 5)
	if !bf.IsValid() {
		t.Fatalf("expected valid bitfield")
	}

	bf.SetHasAll()
	if !bf.IsValid() {
		t.Fatalf("expected valid have-all bitfield")
	}

	bf.SetHasNone()
	if !bf.IsValid() {
		t.Fatalf("expected valid have-none bitfield")
	}
}

func TestZeroLengthBitfield(t *testing.T) {
	bf := New(0)
	if got := len(bf.ToRaw()); got != 0 {
		t.Fatalf("ToRaw len = %d; want 0", got)
	}
	if bf.Count() != 0 {
		t.Fatalf("Count() = %d; want 0", bf.Count())
	}
}
