// Package manifest encodes gem identity lists into the legacy RubyGems
// spec index format: a Ruby Marshal 4.8 array of
// [name, Gem::Version, platform] triples, optionally compressed.
package manifest

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"

	"github.com/mirrorctl/yankbank/internal/gem"
)

const versionClass = "Gem::Version"

// Compression selects how an encoded manifest is wrapped.
type Compression string

// Supported compressions.
const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionXZ   Compression = "xz"
)

// ParseCompression converts a configuration value into a Compression.
// An empty string selects gzip.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "gzip", "gz":
		return CompressionGzip, nil
	case "none", "raw":
		return CompressionNone, nil
	case "xz":
		return CompressionXZ, nil
	}
	return "", errors.Newf("unknown compression %q", s)
}

// Options controls Encode.
type Options struct {
	Compression Compression

	// Lenient skips identities whose version cannot be parsed instead of
	// failing the whole manifest. The skipped records are still reported
	// through the returned *EncodingError.
	Lenient bool
}

// ErrEncoding marks version parse failures.
var ErrEncoding = errors.New("manifest encoding failed")

// RecordError is the failure to encode a single identity.
type RecordError struct {
	Identity gem.Identity
	Err      error
}

// EncodingError collects every identity that could not be encoded.
type EncodingError struct {
	Records []RecordError
}

func (e *EncodingError) Error() string {
	if len(e.Records) == 1 {
		return fmt.Sprintf("%s: %v", e.Records[0].Identity, e.Records[0].Err)
	}
	return fmt.Sprintf("%d identities with malformed versions, first %s: %v",
		len(e.Records), e.Records[0].Identity, e.Records[0].Err)
}

// Encode serializes ids in the given order.
//
// In strict mode (the default) any malformed version aborts encoding and
// the returned error lists all of them. In lenient mode the remaining
// identities are encoded and the error, if any, accompanies the output.
func Encode(ids []gem.Identity, opts Options) ([]byte, error) {
	type entry struct {
		id      gem.Identity
		version gem.Version
	}

	entries := make([]entry, 0, len(ids))
	var bad []RecordError
	for _, id := range ids {
		v, err := gem.ParseVersion(id.Version())
		if err != nil {
			bad = append(bad, RecordError{Identity: id, Err: err})
			continue
		}
		entries = append(entries, entry{id: id, version: v})
	}

	var encErr error
	if len(bad) > 0 {
		encErr = errors.Mark(&EncodingError{Records: bad}, ErrEncoding)
		if !opts.Lenient {
			return nil, encErr
		}
	}

	var raw bytes.Buffer
	m := newMarshalWriter(&raw)
	m.header()
	m.arrayHeader(len(entries))
	// Gem::Version.new returns one cached instance per version string,
	// so repeated versions are links to the first occurrence.
	versions := make(map[string]int)
	for _, e := range entries {
		m.arrayHeader(3)
		m.utf8String(e.id.Name())
		v := e.version.String()
		if idx, ok := versions[v]; ok {
			m.link(idx)
		} else {
			versions[v] = m.userMarshal(versionClass)
			m.arrayHeader(1)
			m.utf8String(v)
		}
		m.utf8String(e.id.Platform())
	}
	if err := m.flush(); err != nil {
		return nil, errors.Wrap(err, "Encode")
	}

	out, err := compress(raw.Bytes(), opts.Compression)
	if err != nil {
		return nil, err
	}
	return out, encErr
}

func compress(data []byte, c Compression) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser

	switch c {
	case CompressionNone, "":
		return data, nil
	case CompressionGzip:
		w = gzip.NewWriter(&buf)
	case CompressionXZ:
		xw, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, errors.Wrap(err, "xz.NewWriter")
		}
		w = xw
	default:
		return nil, errors.Newf("unknown compression %q", c)
	}

	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrapf(err, "compress %s", c)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrapf(err, "compress %s", c)
	}
	return buf.Bytes(), nil
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// Decompress unwraps gzip or xz data; anything else is returned as is.
func Decompress(data []byte) ([]byte, error) {
	var r io.Reader
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "gzip")
		}
		defer gr.Close()
		r = gr
	case bytes.HasPrefix(data, xzMagic):
		xr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "xz")
		}
		r = xr
	default:
		return data, nil
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "Decompress")
	}
	return out, nil
}

// Decode parses a manifest, compressed or not, back into identities.
func Decode(data []byte) ([]gem.Identity, error) {
	raw, err := Decompress(data)
	if err != nil {
		return nil, err
	}
	v, err := unmarshal(raw)
	if err != nil {
		return nil, err
	}

	list, ok := v.([]any)
	if !ok {
		return nil, errors.Newf("Decode: top-level value is %T, want array", v)
	}

	ids := make([]gem.Identity, 0, len(list))
	for i, item := range list {
		tuple, ok := item.([]any)
		if !ok || len(tuple) != 3 {
			return nil, errors.Newf("Decode: entry %d is not a 3-tuple", i)
		}
		name, err := stringValue(tuple[0])
		if err != nil {
			return nil, errors.Wrapf(err, "Decode: entry %d name", i)
		}
		version, err := versionValue(tuple[1])
		if err != nil {
			return nil, errors.Wrapf(err, "Decode: entry %d version", i)
		}
		platform, err := stringValue(tuple[2])
		if err != nil {
			return nil, errors.Wrapf(err, "Decode: entry %d platform", i)
		}
		ids = append(ids, gem.New(name, version, platform))
	}
	return ids, nil
}

func stringValue(v any) (string, error) {
	switch s := v.(type) {
	case *rubyString:
		return string(s.data), nil
	case rubySymbol:
		return string(s), nil
	}
	return "", errors.Newf("unexpected %T", v)
}

// versionValue accepts a Gem::Version dumped through marshal_dump
// (an array holding the version string), through _dump, or a bare string.
func versionValue(v any) (string, error) {
	obj, ok := v.(*userObject)
	if !ok {
		return stringValue(v)
	}
	if obj.class != versionClass {
		return "", errors.Newf("unexpected class %s", obj.class)
	}
	if payload, ok := obj.data.([]any); ok {
		if len(payload) == 0 {
			return "", errors.New("empty Gem::Version payload")
		}
		return stringValue(payload[0])
	}
	return stringValue(obj.data)
}
