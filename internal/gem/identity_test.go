package gem

import (
	"reflect"
	"testing"
)

func TestIdentityKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   Identity
		want string
	}{
		{New("foo", "1.0.0", "ruby"), `["foo","1.0.0","ruby"]`},
		{New("omniauth-500-px", "0.1.0", "dotnet-1"), `["omniauth-500-px","0.1.0","dotnet-1"]`},
		{New("a<b", "1", "x86_64-linux"), `["a<b","1","x86_64-linux"]`},
		{New(`quo"te`, "1", "ruby"), `["quo\"te","1","ruby"]`},
	}

	for _, tt := range tests {
		if got := tt.id.Key(); got != tt.want {
			t.Errorf("%v.Key() = %s, want %s", tt.id, got, tt.want)
		}

		back, err := ParseKey(tt.id.Key())
		if err != nil {
			t.Fatal(err)
		}
		if back != tt.id {
			t.Errorf("ParseKey(%s) = %#v, want %#v", tt.want, back, tt.id)
		}
	}
}

func TestParseKeyInvalid(t *testing.T) {
	t.Parallel()

	for _, key := range []string{
		``,
		`not json`,
		`["foo","1.0.0"]`,
		`["foo","1.0.0","ruby","extra"]`,
		`{"name":"foo"}`,
		`["foo",1,"ruby"]`,
	} {
		if _, err := ParseKey(key); err == nil {
			t.Errorf("ParseKey(%q) should fail", key)
		}
	}
}

func TestFullName(t *testing.T) {
	t.Parallel()

	if got := New("rake", "13.0.6", "ruby").FullName(); got != "rake-13.0.6" {
		t.Errorf(`FullName() = %q, want "rake-13.0.6"`, got)
	}
	if got := New("nokogiri", "1.15.0", "x86_64-linux").FullName(); got != "nokogiri-1.15.0-x86_64-linux" {
		t.Errorf(`FullName() = %q, want "nokogiri-1.15.0-x86_64-linux"`, got)
	}
}

func TestSort(t *testing.T) {
	t.Parallel()

	ids := []Identity{
		New("foo-bar", "1.0.0", "ruby"),
		New("foo", "1.0.1", "ruby"),
		New("bar", "1.0.1", "ruby"),
		New("foo", "1.0.0", "ruby"),
	}
	Sort(ids)

	want := []Identity{
		New("bar", "1.0.1", "ruby"),
		New("foo", "1.0.0", "ruby"),
		New("foo", "1.0.1", "ruby"),
		New("foo-bar", "1.0.0", "ruby"),
	}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("Sort() = %v, want %v", ids, want)
	}
}

func TestIdentityAsMapKey(t *testing.T) {
	t.Parallel()

	seen := map[Identity]bool{New("foo", "1.0.0", "ruby"): true}
	if !seen[New("foo", "1.0.0", "ruby")] {
		t.Error("equal identities should hash equally")
	}
	if seen[New("foo", "1.0.0", "java")] {
		t.Error("platform must be part of the identity")
	}
}
