package pvnet

import (
	"fmt"
	"reflect"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Value is a structured record with an ordered set of dotted leaf field paths
// and per-field change tracking. The changed set is always a subset of the
// declared paths. Values move between goroutines by `Clone`; a stored value is
// never mutated in place.
type Value struct {
	order   []string
	data    map[string]any
	changed map[string]bool
}

func NewValue(fields []string) *Value {
	order := slices.Clone(fields)
	data := map[string]any{}
	for _, path := range order {
		data[path] = nil
	}
	return &Value{
		order:   order,
		data:    data,
		changed: map[string]bool{},
	}
}

// Set assigns a declared field and marks it changed.
func (self *Value) Set(path string, value any) error {
	if _, ok := self.data[path]; !ok {
		return fmt.Errorf("%w: %s", ErrNoField, path)
	}
	self.data[path] = value
	self.changed[path] = true
	return nil
}

func (self *Value) MustSet(path string, value any) *Value {
	if err := self.Set(path, value); err != nil {
		panic(err)
	}
	return self
}

func (self *Value) Get(path string) (any, bool) {
	value, ok := self.data[path]
	if !ok {
		return nil, false
	}
	return value, true
}

// Float reads a numeric field, coercing the usual scalar widths.
func (self *Value) Float(path string) (float64, bool) {
	value, ok := self.data[path]
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Keys returns the declared field paths in declaration order.
func (self *Value) Keys() []string {
	return slices.Clone(self.order)
}

func (self *Value) Has(path string) bool {
	_, ok := self.data[path]
	return ok
}

func (self *Value) Changed(path string) bool {
	return self.changed[path]
}

// ChangedSet returns the changed field paths in declaration order.
func (self *Value) ChangedSet() []string {
	changed := []string{}
	for _, path := range self.order {
		if self.changed[path] {
			changed = append(changed, path)
		}
	}
	return changed
}

func (self *Value) MarkAllChanged() {
	for _, path := range self.order {
		self.changed[path] = true
	}
}

func (self *Value) ClearChanged() {
	maps.Clear(self.changed)
}

func (self *Value) Clone() *Value {
	return &Value{
		order:   slices.Clone(self.order),
		data:    maps.Clone(self.data),
		changed: maps.Clone(self.changed),
	}
}

// Diff returns the declared paths whose values differ from `other`.
// Paths not declared in `other` count as differing.
func (self *Value) Diff(other *Value) []string {
	diff := []string{}
	for _, path := range self.order {
		otherValue, ok := other.data[path]
		if !ok || !reflect.DeepEqual(self.data[path], otherValue) {
			diff = append(diff, path)
		}
	}
	return diff
}

func (self *Value) String() string {
	parts := []string{}
	for _, path := range self.order {
		mark := ""
		if self.changed[path] {
			mark = "*"
		}
		parts = append(parts, fmt.Sprintf("%s%s=%v", mark, path, self.data[path]))
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, " "))
}

// topLevel returns the first segment of a dotted path.
func topLevel(path string) string {
	if i := strings.IndexByte(path, '.'); 0 <= i {
		return path[:i]
	}
	return path
}

// NT-style scalar record used by the daemon and tests.

func NTScalarFields() []string {
	return []string{
		"value",
		"alarm.severity",
		"alarm.status",
		"alarm.message",
		"timeStamp.secondsPastEpoch",
		"timeStamp.nanoseconds",
	}
}

func NTScalar() *Value {
	v := NewValue(NTScalarFields())
	v.data["value"] = float64(0)
	v.data["alarm.severity"] = float64(0)
	v.data["alarm.status"] = float64(0)
	v.data["alarm.message"] = ""
	v.data["timeStamp.secondsPastEpoch"] = float64(0)
	v.data["timeStamp.nanoseconds"] = float64(0)
	return v
}

// ScalarFloat is an NT scalar with only `value` set (and marked changed).
func ScalarFloat(value float64) *Value {
	v := NTScalar()
	v.MustSet("value", value)
	return v
}

// ScalarInt is an NT scalar with only `value` set to an integer.
func ScalarInt(value int64) *Value {
	v := NTScalar()
	v.MustSet("value", value)
	return v
}
