package gem

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
)

// DefaultPlatform is the platform of gems without native extensions.
const DefaultPlatform = "ruby"

// Identity names one distributable gem artifact.
//
// Identity is a comparable value; two identities are equal when
// name, version and platform are all equal, so it can be used as a map key.
type Identity struct {
	name     string
	version  string
	platform string
}

// New constructs an Identity.
func New(name, version, platform string) Identity {
	return Identity{name: name, version: version, platform: platform}
}

// Name returns the gem name.
func (id Identity) Name() string {
	return id.name
}

// Version returns the version string as reported by the mirror.
func (id Identity) Version() string {
	return id.version
}

// Platform returns the platform string.
func (id Identity) Platform() string {
	return id.platform
}

// FullName returns the RubyGems display name, e.g. "rake-13.0.6" or
// "nokogiri-1.15.0-x86_64-linux".
func (id Identity) FullName() string {
	if id.platform == "" || id.platform == DefaultPlatform {
		return id.name + "-" + id.version
	}
	return id.name + "-" + id.version + "-" + id.platform
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return id.FullName()
}

// Key returns the canonical encoding of id: a compact JSON array
// ["name","version","platform"].
//
// The same logical identity always encodes to the same bytes, which makes
// Key suitable as a set member in the snapshot store.
func (id Identity) Key() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding a fixed array of strings cannot fail
	_ = enc.Encode([3]string{id.name, id.version, id.platform})
	return strings.TrimSuffix(buf.String(), "\n")
}

// ParseKey decodes a key produced by Key.
func ParseKey(key string) (Identity, error) {
	var fields []string
	if err := json.Unmarshal([]byte(key), &fields); err != nil {
		return Identity{}, errors.Wrapf(err, "ParseKey: %q", key)
	}
	if len(fields) != 3 {
		return Identity{}, errors.Newf("ParseKey: expected 3 fields, got %d in %q", len(fields), key)
	}
	return New(fields[0], fields[1], fields[2]), nil
}

// Compare orders identities lexicographically by their canonical key.
func Compare(a, b Identity) int {
	return strings.Compare(a.Key(), b.Key())
}

// Sort sorts ids in place by canonical key.
func Sort(ids []Identity) {
	keyed := make([]keyedIdentity, len(ids))
	for i, id := range ids {
		keyed[i] = keyedIdentity{key: id.Key(), id: id}
	}
	slices.SortFunc(keyed, func(a, b keyedIdentity) int {
		return strings.Compare(a.key, b.key)
	})
	for i := range keyed {
		ids[i] = keyed[i].id
	}
}

type keyedIdentity struct {
	key string
	id  Identity
}
