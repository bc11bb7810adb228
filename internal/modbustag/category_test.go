package modbustag

import "testing"

func TestTagRoundTrip(t *testing.T) {
	cases := []struct {
		cat   Category
		addr  int
		count int
		want  string
	}{
		{HoldingRegister, 100, 1, "holding-register:100"},
		{HoldingRegister, 100, 2, "holding-register:100[2]"},
		{Coil, 2, 1, "coil:2"},
		{DiscreteInput, 0, 8, "discrete-input:0[8]"},
		{InputRegister, 7, 0, "input-register:7"},
	}
	for _, tc := range cases {
		got := Tag(tc.cat, tc.addr, tc.count)
		if got != tc.want {
			t.Errorf("Tag(%v,%d,%d) = %q, want %q", tc.cat, tc.addr, tc.count, got, tc.want)
		}

		gotCat, gotAddr, gotCount, err := Parse(got)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", got, err)
		}
		if gotCat != tc.cat || gotAddr != tc.addr {
			t.Errorf("Parse(%q) = (%v,%d,%d), want category %v addr %d", got, gotCat, gotAddr, gotCount, tc.cat, tc.addr)
		}
		wantCount := tc.count
		if wantCount <= 1 {
			wantCount = 1
		}
		if gotCount != wantCount {
			t.Errorf("Parse(%q) count = %d, want %d", got, gotCount, wantCount)
		}
	}
}

func TestParseRejectsUnknownCategory(t *testing.T) {
	if _, _, _, err := Parse("bogus:1"); err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, tag := range []string{"holding-register", "holding-register:abc", "coil:1[abc]", "coil:1[2"} {
		if _, _, _, err := Parse(tag); err == nil {
			t.Errorf("Parse(%q): expected error", tag)
		}
	}
}

func TestCategoryPredicates(t *testing.T) {
	if !Coil.IsBoolean() || !DiscreteInput.IsBoolean() {
		t.Error("coil and discrete-input should be boolean categories")
	}
	if HoldingRegister.IsBoolean() || InputRegister.IsBoolean() {
		t.Error("register categories should not be boolean")
	}
	if !Coil.Writable() || !HoldingRegister.Writable() {
		t.Error("coil and holding-register should be writable")
	}
	if DiscreteInput.Writable() || InputRegister.Writable() {
		t.Error("discrete-input and input-register should not be writable")
	}
}
