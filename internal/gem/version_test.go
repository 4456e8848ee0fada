package gem

import "testing"

func TestParseVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"1.0.0", "1.0.0"},
		{" 0.1.0 ", "0.1.0"},
		{"", "0"},
		{"  ", "0"},
		{"1.0.0.rc1", "1.0.0.rc1"},
		{"1.0.0-beta", "1.0.0.pre.beta"},
		{"20240101", "20240101"},
	}

	for _, tt := range tests {
		v, err := ParseVersion(tt.in)
		if err != nil {
			t.Errorf("ParseVersion(%q) failed: %v", tt.in, err)
			continue
		}
		if v.String() != tt.want {
			t.Errorf("ParseVersion(%q) = %q, want %q", tt.in, v.String(), tt.want)
		}
	}
}

func TestParseVersionMalformed(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"junk", "1.0 beta", "1..0", ".1", "1.0.", "v1.0", "omniauth-500-px-0.1.0"} {
		if _, err := ParseVersion(in); err == nil {
			t.Errorf("ParseVersion(%q) should fail", in)
		}
	}
}

func TestVersionCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0", "1", 0},
		{"1.0.0", "1.0.1", -1},
		{"1.10", "1.9", 1},
		{"0.1.0", "0.0.99", 1},
		{"1.0.0.pre", "1.0.0", -1},
		{"1.0.0.rc1", "1.0.0.beta2", 1},
		{"1.0.a", "1.a", 0},
		{"1.0.0-beta", "1.0.0", -1},
		{"123456789012345678901234567890", "123456789012345678901234567891", -1},
		{"2.0.0", "10.0.0", -1},
	}

	for _, tt := range tests {
		a, b := MustParseVersion(tt.a), MustParseVersion(tt.b)
		if got := a.Compare(b); got != tt.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
		if got := b.Compare(a); got != -tt.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", tt.b, tt.a, got, -tt.want)
		}
	}
}

func TestPrerelease(t *testing.T) {
	t.Parallel()

	if MustParseVersion("1.0.0").Prerelease() {
		t.Error(`"1.0.0" is not a prerelease`)
	}
	if !MustParseVersion("1.0.0.rc1").Prerelease() {
		t.Error(`"1.0.0.rc1" is a prerelease`)
	}
}
