package canon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ErrNotCanonical matches (via errors.Is) every *Error.
var ErrNotCanonical = errors.New("value has no canonical JSON form")

// Error reports a value with no canonical JSON form: NaN or infinite numbers,
// invalid UTF-8, channels, functions and anything else encoding/json refuses.
type Error struct {
	Path   string // JSON pointer of the offending value
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("canonical json: %s: %s", e.Path, e.Reason)
}

func (e *Error) Is(target error) bool { return target == ErrNotCanonical }

// MarshalCanonical produces RFC 8785 canonical JSON.
// This is the only serialization used for content-addressed identities.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings are NFC normalized
//  4. Numbers use the ECMAScript shortest round-trip form, so 1 and 1.0
//     canonicalize identically
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v, ""); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Normalize round-trips v through its canonical form and returns plain JSON
// values: map[string]any, []any, json.Number, string, bool or nil.
func Normalize(v any) (any, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses JSON text keeping numbers as json.Number so that their
// stored text survives re-hashing.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return out, nil
}

func notCanonical(path, format string, args ...any) error {
	if path == "" {
		path = "/"
	}
	return &Error{Path: path, Reason: fmt.Sprintf(format, args...)}
}

func encode(buf *bytes.Buffer, v any, path string) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, val, path)
	case json.Number:
		return encodeNumberLiteral(buf, val, path)
	case float64:
		return encodeFloat(buf, val, path)
	case float32:
		return encodeFloat(buf, float64(val), path)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case []any:
		return encodeArray(buf, val, path)
	case map[string]any:
		return encodeObject(buf, val, path)
	case json.RawMessage:
		decoded, err := Decode(val)
		if err != nil {
			return notCanonical(path, "raw message: %v", err)
		}
		return encode(buf, decoded, path)
	default:
		return encodeViaJSON(buf, v, path)
	}
	return nil
}

// encodeViaJSON handles structs, typed maps and typed slices by letting
// encoding/json apply tags first, then canonicalizing the generic result.
func encodeViaJSON(buf *bytes.Buffer, v any, path string) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return notCanonical(path, "unsupported type %T", v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return notCanonical(path, "%v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		return notCanonical(path, "%v", err)
	}
	return encode(buf, decoded, path)
}

func encodeFloat(buf *bytes.Buffer, f float64, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return notCanonical(path, "non-finite number %v", f)
	}
	if f == 0 {
		// -0 serializes as 0
		buf.WriteByte('0')
		return nil
	}
	// encoding/json already implements the ECMAScript Number.prototype.toString
	// rules (exponent outside [1e-6, 1e21), shortest round-trip digits).
	data, err := json.Marshal(f)
	if err != nil {
		return notCanonical(path, "%v", err)
	}
	buf.Write(data)
	return nil
}

func encodeNumberLiteral(buf *bytes.Buffer, n json.Number, path string) error {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return notCanonical(path, "invalid number %q", s)
	}
	return encodeFloat(buf, f, path)
}

// encodeString writes an RFC 8785 string: only the quote, the backslash and
// control characters are escaped; U+2028/U+2029 and <, >, & stay literal.
func encodeString(buf *bytes.Buffer, s string, path string) error {
	if !utf8.ValidString(s) {
		return notCanonical(path, "invalid UTF-8 in string")
	}
	s = norm.NFC.String(s)

	const hex = "0123456789abcdef"
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			buf.WriteString(`\"`)
		case c == '\\':
			buf.WriteString(`\\`)
		case c == '\b':
			buf.WriteString(`\b`)
		case c == '\f':
			buf.WriteString(`\f`)
		case c == '\n':
			buf.WriteString(`\n`)
		case c == '\r':
			buf.WriteString(`\r`)
		case c == '\t':
			buf.WriteString(`\t`)
		case c < 0x20:
			buf.WriteString(`\u00`)
			buf.WriteByte(hex[c>>4])
			buf.WriteByte(hex[c&0xf])
		default:
			buf.WriteByte(c)
		}
	}
	buf.WriteByte('"')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any, path string) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, elem, path+"/"+strconv.Itoa(i)); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any, path string) error {
	// NFC-normalized keys can collide; the later key in sorted order would
	// silently win, so reject instead.
	normalized := make(map[string]string, len(obj))
	keys := make([]string, 0, len(obj))
	for k := range obj {
		if !utf8.ValidString(k) {
			return notCanonical(path, "invalid UTF-8 in object key")
		}
		nk := norm.NFC.String(k)
		if prev, dup := normalized[nk]; dup {
			return notCanonical(path, "keys %q and %q collide after NFC normalization", prev, k)
		}
		normalized[nk] = k
		keys = append(keys, nk)
	}
	slices.SortFunc(keys, CompareKeys)

	buf.WriteByte('{')
	for i, nk := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, nk, path); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, obj[normalized[nk]], path+"/"+nk); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// CompareKeys orders strings by UTF-16 code units as RFC 8785 requires.
// Go's native string comparison orders by UTF-8 bytes, which differs for
// characters outside the BMP.
func CompareKeys(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// SortedKeys returns the keys of m in canonical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, CompareKeys)
	return keys
}
