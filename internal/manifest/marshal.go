package manifest

import (
	"bufio"
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
)

// Ruby Marshal 4.8 type tags used by gem spec indexes.
const (
	marshalMajor = 4
	marshalMinor = 8

	typeNil        = '0'
	typeTrue       = 'T'
	typeFalse      = 'F'
	typeFixnum     = 'i'
	typeArray      = '['
	typeString     = '"'
	typeIvar       = 'I'
	typeSymbol     = ':'
	typeSymlink    = ';'
	typeLink       = '@'
	typeUserMarsh  = 'U'
	typeUserDef    = 'u'
	encodingSymbol = "E"
)

// marshalWriter emits the subset of Ruby Marshal needed for spec indexes.
//
// Symbols are written once and referenced by index afterwards. Objects
// are counted in the order Ruby registers them so that shared objects can
// be written as links.
type marshalWriter struct {
	w       *bufio.Writer
	symbols map[string]int
	objects int
}

func newMarshalWriter(w io.Writer) *marshalWriter {
	return &marshalWriter{
		w:       bufio.NewWriter(w),
		symbols: make(map[string]int),
	}
}

// object registers the next object and returns its index.
func (m *marshalWriter) object() int {
	m.objects++
	return m.objects - 1
}

// link refers back to an object already written.
func (m *marshalWriter) link(idx int) {
	m.w.WriteByte(typeLink)
	m.long(idx)
}

func (m *marshalWriter) header() {
	m.w.WriteByte(marshalMajor)
	m.w.WriteByte(marshalMinor)
}

// long writes n in Ruby's packed integer form.
func (m *marshalWriter) long(n int) {
	switch {
	case n == 0:
		m.w.WriteByte(0)
		return
	case n > 0 && n < 123:
		m.w.WriteByte(byte(n + 5))
		return
	case n < 0 && n > -124:
		m.w.WriteByte(byte((n - 5) & 0xff))
		return
	}

	var buf [9]byte
	x := int64(n)
	i := 1
	for ; i < len(buf); i++ {
		buf[i] = byte(x & 0xff)
		x >>= 8
		if x == 0 && n > 0 {
			buf[0] = byte(i)
			break
		}
		if x == -1 && n < 0 {
			buf[0] = byte(-i)
			break
		}
	}
	m.w.Write(buf[:i+1])
}

func (m *marshalWriter) bytes(b string) {
	m.long(len(b))
	m.w.WriteString(b)
}

func (m *marshalWriter) symbol(s string) {
	if idx, ok := m.symbols[s]; ok {
		m.w.WriteByte(typeSymlink)
		m.long(idx)
		return
	}
	m.symbols[s] = len(m.symbols)
	m.w.WriteByte(typeSymbol)
	m.bytes(s)
}

// utf8String writes a String carrying the UTF-8 encoding flag.
func (m *marshalWriter) utf8String(s string) {
	m.object()
	m.w.WriteByte(typeIvar)
	m.w.WriteByte(typeString)
	m.bytes(s)
	m.long(1)
	m.symbol(encodingSymbol)
	m.w.WriteByte(typeTrue)
}

func (m *marshalWriter) arrayHeader(n int) {
	m.object()
	m.w.WriteByte(typeArray)
	m.long(n)
}

// userMarshal starts an object dumped through marshal_dump; the caller
// writes the dumped payload next. The returned index can be linked to.
func (m *marshalWriter) userMarshal(class string) int {
	idx := m.object()
	m.w.WriteByte(typeUserMarsh)
	m.symbol(class)
	return idx
}

func (m *marshalWriter) flush() error {
	return m.w.Flush()
}

// rubyString is a decoded String body; encoding ivars are skipped.
type rubyString struct {
	data []byte
}

type rubySymbol string

// userObject is an instance restored through marshal_load or _load.
type userObject struct {
	class string
	data  any
}

// marshalReader decodes Ruby Marshal 4.8 data into Go values:
// nil, bool, int, *rubyString, rubySymbol, []any and *userObject.
//
// Declared lengths are checked against the unread input before anything
// is allocated.
type marshalReader struct {
	r       *bytes.Reader
	symbols []string
	objects []any
}

func newMarshalReader(data []byte) *marshalReader {
	return &marshalReader{r: bytes.NewReader(data)}
}

// length reads a count of items that each occupy at least one byte.
func (m *marshalReader) length() (int, error) {
	n, err := m.long()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.Newf("negative length %d", n)
	}
	if n > m.r.Len() {
		return 0, errors.Newf("length %d exceeds remaining %d bytes", n, m.r.Len())
	}
	return n, nil
}

func (m *marshalReader) readHeader() error {
	var hdr [2]byte
	if _, err := io.ReadFull(m.r, hdr[:]); err != nil {
		return errors.Wrap(err, "marshal header")
	}
	if hdr[0] != marshalMajor || hdr[1] > marshalMinor {
		return errors.Newf("unsupported marshal format %d.%d", hdr[0], hdr[1])
	}
	return nil
}

func (m *marshalReader) long() (int, error) {
	b, err := m.r.ReadByte()
	if err != nil {
		return 0, err
	}
	c := int(int8(b))
	switch {
	case c == 0:
		return 0, nil
	case c > 4:
		return c - 5, nil
	case c < -4:
		return c + 5, nil
	case c > 0:
		x := 0
		for i := 0; i < c; i++ {
			b, err := m.r.ReadByte()
			if err != nil {
				return 0, err
			}
			x |= int(b) << (8 * i)
		}
		return x, nil
	}

	n := -c
	x := -1
	for i := 0; i < n; i++ {
		b, err := m.r.ReadByte()
		if err != nil {
			return 0, err
		}
		x &^= 0xff << (8 * i)
		x |= int(b) << (8 * i)
	}
	return x, nil
}

func (m *marshalReader) rawBytes() ([]byte, error) {
	n, err := m.length()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(m.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (m *marshalReader) symbolBody(tag byte) (string, error) {
	switch tag {
	case typeSymbol:
		b, err := m.rawBytes()
		if err != nil {
			return "", err
		}
		m.symbols = append(m.symbols, string(b))
		return string(b), nil
	case typeSymlink:
		idx, err := m.long()
		if err != nil {
			return "", err
		}
		if idx < 0 || idx >= len(m.symbols) {
			return "", errors.Newf("symlink %d out of range", idx)
		}
		return m.symbols[idx], nil
	}
	return "", errors.Newf("expected symbol, got %q", tag)
}

func (m *marshalReader) symbol() (string, error) {
	tag, err := m.r.ReadByte()
	if err != nil {
		return "", err
	}
	return m.symbolBody(tag)
}

func (m *marshalReader) register(v any) int {
	m.objects = append(m.objects, v)
	return len(m.objects) - 1
}

func (m *marshalReader) value() (any, error) {
	tag, err := m.r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case typeNil:
		return nil, nil
	case typeTrue:
		return true, nil
	case typeFalse:
		return false, nil
	case typeFixnum:
		return m.long()
	case typeSymbol, typeSymlink:
		s, err := m.symbolBody(tag)
		return rubySymbol(s), err
	case typeLink:
		idx, err := m.long()
		if err != nil {
			return nil, err
		}
		if idx < 0 || idx >= len(m.objects) {
			return nil, errors.Newf("object link %d out of range", idx)
		}
		return m.objects[idx], nil
	case typeString:
		b, err := m.rawBytes()
		if err != nil {
			return nil, err
		}
		s := &rubyString{data: b}
		m.register(s)
		return s, nil
	case typeIvar:
		v, err := m.value()
		if err != nil {
			return nil, err
		}
		n, err := m.length()
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			if _, err := m.symbol(); err != nil {
				return nil, err
			}
			if _, err := m.value(); err != nil {
				return nil, err
			}
		}
		return v, nil
	case typeArray:
		n, err := m.length()
		if err != nil {
			return nil, err
		}
		arr := make([]any, n)
		idx := m.register(arr)
		for i := 0; i < n; i++ {
			if arr[i], err = m.value(); err != nil {
				return nil, err
			}
		}
		m.objects[idx] = arr
		return arr, nil
	case typeUserMarsh:
		class, err := m.symbol()
		if err != nil {
			return nil, err
		}
		obj := &userObject{class: class}
		m.register(obj)
		if obj.data, err = m.value(); err != nil {
			return nil, err
		}
		return obj, nil
	case typeUserDef:
		class, err := m.symbol()
		if err != nil {
			return nil, err
		}
		b, err := m.rawBytes()
		if err != nil {
			return nil, err
		}
		obj := &userObject{class: class, data: &rubyString{data: b}}
		m.register(obj)
		return obj, nil
	}
	return nil, errors.Newf("unsupported marshal type %q", tag)
}

// unmarshal decodes a single Marshal document.
func unmarshal(data []byte) (any, error) {
	m := newMarshalReader(data)
	if err := m.readHeader(); err != nil {
		return nil, err
	}
	v, err := m.value()
	if err != nil {
		return nil, errors.Wrap(err, "marshal")
	}
	return v, nil
}
