// Package bencode implements a strict bencode codec.
//
// Struct-level marshaling elsewhere in this codebase is done with
// github.com/zeebo/bencode. This package exists for the places where that is
// not enough: validating untrusted input byte-exactly, walking values whose
// shape is not known up front, and locating the raw byte range of a value
// inside a larger message so it can be hashed without re-encoding.
package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	// Bytes is a bencode byte string.
	Bytes Kind = iota
	// Int is a bencode integer.
	Int
	// List is a bencode list.
	List
	// Dict is a bencode dictionary with byte-string keys.
	Dict
)

func (k Kind) String() string {
	switch k {
	case Bytes:
		return "bytes"
	case Int:
		return "int"
	case List:
		return "list"
	case Dict:
		return "dict"
	}
	return "invalid"
}

// Value is a decoded bencode value.
type Value struct {
	kind    Kind
	bytes   []byte
	integer int64
	list    []Value
	dict    map[string]Value
}

// ErrSchema is returned by typed getters when the value holds a different kind.
var ErrSchema = errors.New("bencode: value has unexpected type")

// NewBytes returns a byte-string Value.
func NewBytes(b []byte) Value { return Value{kind: Bytes, bytes: b} }

// NewString returns a byte-string Value from a string.
func NewString(s string) Value { return Value{kind: Bytes, bytes: []byte(s)} }

// NewInt returns an integer Value.
func NewInt(i int64) Value { return Value{kind: Int, integer: i} }

// NewList returns a list Value.
func NewList(items ...Value) Value { return Value{kind: List, list: items} }

// NewDict returns a dictionary Value.
func NewDict(m map[string]Value) Value { return Value{kind: Dict, dict: m} }

// Kind returns the variant held by the value.
func (v Value) Kind() Kind { return v.kind }

// Bytes returns the value as a byte string.
func (v Value) Bytes() ([]byte, error) {
	if v.kind != Bytes {
		return nil, schemaError(Bytes, v.kind)
	}
	return v.bytes, nil
}

// Str returns the value as a string.
func (v Value) Str() (string, error) {
	b, err := v.Bytes()
	return string(b), err
}

// Int64 returns the value as an integer.
func (v Value) Int64() (int64, error) {
	if v.kind != Int {
		return 0, schemaError(Int, v.kind)
	}
	return v.integer, nil
}

// List returns the value as a list.
func (v Value) List() ([]Value, error) {
	if v.kind != List {
		return nil, schemaError(List, v.kind)
	}
	return v.list, nil
}

// Dict returns the value as a dictionary.
func (v Value) Dict() (map[string]Value, error) {
	if v.kind != Dict {
		return nil, schemaError(Dict, v.kind)
	}
	return v.dict, nil
}

// Get returns the named key from a dictionary value.
// The second return value reports whether the key was present.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != Dict {
		return Value{}, false
	}
	item, ok := v.dict[key]
	return item, ok
}

func schemaError(want, got Kind) error {
	return fmt.Errorf("%w: want %s, got %s", ErrSchema, want, got)
}

// Decode parses a single bencode value occupying the whole input.
// Trailing bytes after the value are an error.
func Decode(b []byte) (Value, error) {
	v, rest, err := DecodeSome(b)
	if err != nil {
		return Value{}, err
	}
	if len(rest) > 0 {
		return Value{}, fmt.Errorf("bencode: %d trailing bytes after value", len(rest))
	}
	return v, nil
}

// DecodeSome parses a single bencode value at the start of the input and
// returns the remaining bytes. Extended metadata messages carry raw piece
// data after the bencoded header, which is why the remainder is surfaced.
func DecodeSome(b []byte) (Value, []byte, error) {
	d := decoder{buf: b}
	v, err := d.value()
	if err != nil {
		return Value{}, nil, err
	}
	return v, b[d.pos:], nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) value() (Value, error) {
	if d.pos >= len(d.buf) {
		return Value{}, errors.New("bencode: unexpected end of input")
	}
	switch c := d.buf[d.pos]; {
	case c == 'i':
		return d.integer()
	case c >= '0' && c <= '9':
		b, err := d.str()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: Bytes, bytes: b}, nil
	case c == 'l':
		return d.list()
	case c == 'd':
		return d.dict()
	default:
		return Value{}, fmt.Errorf("bencode: invalid value prefix %q at offset %d", c, d.pos)
	}
}

func (d *decoder) integer() (Value, error) {
	d.pos++ // 'i'
	end := bytes.IndexByte(d.buf[d.pos:], 'e')
	if end == -1 {
		return Value{}, errors.New("bencode: unterminated integer")
	}
	s := string(d.buf[d.pos : d.pos+end])
	if err := checkIntegerLiteral(s); err != nil {
		return Value{}, err
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Value{}, fmt.Errorf("bencode: invalid integer %q", s)
	}
	d.pos += end + 1
	return Value{kind: Int, integer: i}, nil
}

func checkIntegerLiteral(s string) error {
	digits := s
	if len(digits) > 0 && digits[0] == '-' {
		digits = digits[1:]
	}
	switch {
	case len(digits) == 0:
		return errors.New("bencode: empty integer")
	case digits == "0" && s != "0":
		return errors.New("bencode: negative zero")
	case digits[0] == '0' && len(digits) > 1:
		return fmt.Errorf("bencode: leading zero in integer %q", s)
	}
	return nil
}

func (d *decoder) str() ([]byte, error) {
	colon := bytes.IndexByte(d.buf[d.pos:], ':')
	if colon == -1 {
		return nil, errors.New("bencode: unterminated string length")
	}
	s := string(d.buf[d.pos : d.pos+colon])
	if len(s) > 1 && s[0] == '0' {
		return nil, fmt.Errorf("bencode: leading zero in string length %q", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("bencode: invalid string length %q", s)
	}
	d.pos += colon + 1
	if d.pos+n > len(d.buf) {
		return nil, fmt.Errorf("bencode: string length %d exceeds input", n)
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) list() (Value, error) {
	d.pos++ // 'l'
	var items []Value
	for {
		if d.pos >= len(d.buf) {
			return Value{}, errors.New("bencode: unterminated list")
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			return Value{kind: List, list: items}, nil
		}
		item, err := d.value()
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
}

// Dictionaries are decoded leniently: unsorted and duplicate keys are
// accepted (last value wins). Encoding always emits sorted keys.
func (d *decoder) dict() (Value, error) {
	d.pos++ // 'd'
	m := make(map[string]Value)
	for {
		if d.pos >= len(d.buf) {
			return Value{}, errors.New("bencode: unterminated dictionary")
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			return Value{kind: Dict, dict: m}, nil
		}
		if c := d.buf[d.pos]; c < '0' || c > '9' {
			return Value{}, fmt.Errorf("bencode: dictionary key is not a string at offset %d", d.pos)
		}
		key, err := d.str()
		if err != nil {
			return Value{}, err
		}
		item, err := d.value()
		if err != nil {
			return Value{}, err
		}
		m[string(key)] = item
	}
}

// Encode emits the canonical encoding of a value.
// Dictionary keys are emitted in sorted order.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encode(&buf, v)
	return buf.Bytes()
}

func encode(buf *bytes.Buffer, v Value) {
	switch v.kind {
	case Bytes:
		buf.WriteString(strconv.Itoa(len(v.bytes)))
		buf.WriteByte(':')
		buf.Write(v.bytes)
	case Int:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.integer, 10))
		buf.WriteByte('e')
	case List:
		buf.WriteByte('l')
		for _, item := range v.list {
			encode(buf, item)
		}
		buf.WriteByte('e')
	case Dict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v.dict))
		for k := range v.dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			encode(buf, NewString(k))
			encode(buf, v.dict[k])
		}
		buf.WriteByte('e')
	}
}

// RawDictValue returns the exact byte range occupied by the named key's value
// inside a top-level dictionary. The returned slice aliases the input, so the
// bytes can be hashed or copied without re-encoding.
func RawDictValue(b []byte, key string) ([]byte, error) {
	d := decoder{buf: b}
	if d.pos >= len(d.buf) || d.buf[d.pos] != 'd' {
		return nil, errors.New("bencode: input is not a dictionary")
	}
	d.pos++
	for {
		if d.pos >= len(d.buf) {
			return nil, errors.New("bencode: unterminated dictionary")
		}
		if d.buf[d.pos] == 'e' {
			return nil, fmt.Errorf("bencode: key %q not found", key)
		}
		k, err := d.str()
		if err != nil {
			return nil, err
		}
		start := d.pos
		if err := d.skipValue(); err != nil {
			return nil, err
		}
		if string(k) == key {
			return b[start:d.pos], nil
		}
	}
}

func (d *decoder) skipValue() error {
	if d.pos >= len(d.buf) {
		return errors.New("bencode: unexpected end of input")
	}
	switch c := d.buf[d.pos]; {
	case c == 'i':
		end := bytes.IndexByte(d.buf[d.pos:], 'e')
		if end == -1 {
			return errors.New("bencode: unterminated integer")
		}
		d.pos += end + 1
		return nil
	case c >= '0' && c <= '9':
		_, err := d.str()
		return err
	case c == 'l' || c == 'd':
		d.pos++
		for {
			if d.pos >= len(d.buf) {
				return errors.New("bencode: unterminated container")
			}
			if d.buf[d.pos] == 'e' {
				d.pos++
				return nil
			}
			if err := d.skipValue(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("bencode: invalid value prefix %q at offset %d", c, d.pos)
	}
}
