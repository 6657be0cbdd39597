// Package auditdiff compares two JSON documents and reports every
// difference with a JSON-pointer style path.
//
// Output is deterministic: object keys are visited in sorted order and the
// result depends only on the inputs and options. Root differences are
// reported at path "/".
package auditdiff

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"

	"github.com/happyfish020/MarketMonitor-sub001/internal/canon"
)

// Kind classifies a difference.
type Kind string

const (
	KindMissing Kind = "missing" // present in a only
	KindExtra   Kind = "extra"   // present in b only
	KindValue   Kind = "value"
	KindType    Kind = "type"
)

// Item is one difference between a and b.
type Item struct {
	Path string `json:"path"`
	Kind Kind   `json:"kind"`
	A    any    `json:"a"`
	B    any    `json:"b"`
}

type options struct {
	floatAtol float64
	ignore    []*globPattern
}

// Option configures Diff.
type Option func(*options)

// WithFloatAtol sets the absolute tolerance for numeric comparison.
// A negative tolerance disables it; numbers must then be exactly equal.
func WithFloatAtol(atol float64) Option {
	return func(o *options) { o.floatAtol = atol }
}

// WithIgnore skips every path matching one of the fnmatch-style globs, and
// everything below it. Patterns that fail to compile are ignored.
func WithIgnore(globs ...string) Option {
	return func(o *options) {
		for _, g := range globs {
			if p, err := compileGlob(g); err == nil {
				o.ignore = append(o.ignore, p)
			}
		}
	}
}

// Diff compares a (the reference) against b.
func Diff(a, b any, opts ...Option) []Item {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	d := differ{opts: o}
	d.walk(normalize(a), normalize(b), "")
	return d.items
}

type differ struct {
	opts  options
	items []Item
}

func (d *differ) ignored(path string) bool {
	if path == "" {
		path = "/"
	}
	for _, p := range d.opts.ignore {
		if p.match(path) {
			return true
		}
	}
	return false
}

func (d *differ) add(path string, kind Kind, a, b any) {
	if path == "" {
		path = "/"
	}
	d.items = append(d.items, Item{Path: path, Kind: kind, A: a, B: b})
}

func (d *differ) walk(a, b any, path string) {
	if d.ignored(path) {
		return
	}

	ta, tb := typeName(a), typeName(b)
	if ta != tb {
		d.add(path, KindType, ta, tb)
		return
	}

	switch av := a.(type) {
	case map[string]any:
		d.walkObject(av, b.(map[string]any), path)
	case []any:
		d.walkArray(av, b.([]any), path)
	default:
		if !scalarEqual(a, b, d.opts.floatAtol) {
			d.add(path, KindValue, a, b)
		}
	}
}

func (d *differ) walkObject(a, b map[string]any, path string) {
	var onlyA, onlyB, both []string
	for k := range a {
		if _, ok := b[k]; ok {
			both = append(both, k)
		} else {
			onlyA = append(onlyA, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			onlyB = append(onlyB, k)
		}
	}
	slices.Sort(onlyA)
	slices.Sort(onlyB)
	slices.Sort(both)

	for _, k := range onlyA {
		if p := path + "/" + k; !d.ignored(p) {
			d.add(p, KindMissing, a[k], nil)
		}
	}
	for _, k := range onlyB {
		if p := path + "/" + k; !d.ignored(p) {
			d.add(p, KindExtra, nil, b[k])
		}
	}
	for _, k := range both {
		d.walk(a[k], b[k], path+"/"+k)
	}
}

func (d *differ) walkArray(a, b []any, path string) {
	if len(a) != len(b) {
		d.add(path, KindValue, fmt.Sprintf("len=%d", len(a)), fmt.Sprintf("len=%d", len(b)))
	}
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		d.walk(a[i], b[i], path+"/"+strconv.Itoa(i))
	}
	for i := n; i < len(a); i++ {
		if p := path + "/" + strconv.Itoa(i); !d.ignored(p) {
			d.add(p, KindMissing, a[i], nil)
		}
	}
	for i := n; i < len(b); i++ {
		if p := path + "/" + strconv.Itoa(i); !d.ignored(p) {
			d.add(p, KindExtra, nil, b[i])
		}
	}
}

// typeName maps a JSON value to its JSON type. Every numeric Go type is
// "number" so that 1 and 1.0 never differ by type.
func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func scalarEqual(a, b any, atol float64) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		if math.IsNaN(af) && math.IsNaN(bf) {
			return true
		}
		if atol >= 0 && math.Abs(af-bf) <= atol {
			return true
		}
		if na, ok := a.(json.Number); ok {
			if nb, ok := b.(json.Number); ok && na == nb {
				return true
			}
		}
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// normalize turns typed Go values (structs, typed maps and slices) into
// plain JSON values. Values that already are plain JSON pass through so
// NaN survives; values with no JSON form are kept as they are.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, string, json.Number:
		return v
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	}
	if _, ok := toFloat(v); ok {
		return v
	}
	if n, err := canon.Normalize(v); err == nil {
		return n
	}
	return v
}
