package pvnet

import (
	"fmt"
	"strings"
)

// MapperMode selects how a compiled field request is applied to a value.
//
// MapperMask includes exactly the requested paths; the changed set of the
// filtered value is the intersection of the requested paths and the fields
// actually modified by the most recent post.
//
// MapperSlice treats the requested names as a top-level whitelist; every
// sub-field of a selected top-level field is included, and Keys() of the
// filtered value reports the full included set regardless of change.
type MapperMode string

const (
	MapperMask  MapperMode = "Mask"
	MapperSlice MapperMode = "Slice"
)

// Selector is a compiled field-selection request.
type Selector struct {
	// empty request selects all fields
	all   bool
	paths []string
}

// ParseRequest compiles a client-supplied field request. The grammar is a
// comma-separated list of dotted field paths, optionally wrapped in
// `field(...)`. The empty request selects all fields.
func ParseRequest(request string) (*Selector, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return &Selector{all: true}, nil
	}
	if strings.HasPrefix(request, "field(") {
		if !strings.HasSuffix(request, ")") {
			return nil, fmt.Errorf("%w: unbalanced field(): %q", ErrInvalidRequest, request)
		}
		request = request[len("field(") : len(request)-1]
		if strings.TrimSpace(request) == "" {
			return &Selector{all: true}, nil
		}
	}
	paths := []string{}
	for _, part := range strings.Split(request, ",") {
		path := strings.TrimSpace(part)
		if path == "" {
			return nil, fmt.Errorf("%w: empty element in %q", ErrInvalidRequest, request)
		}
		if !validPath(path) {
			return nil, fmt.Errorf("%w: bad path %q", ErrInvalidRequest, path)
		}
		if !contains(paths, path) {
			paths = append(paths, path)
		}
	}
	return &Selector{paths: paths}, nil
}

func validPath(path string) bool {
	if strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") {
		return false
	}
	if strings.Contains(path, "..") {
		return false
	}
	for _, c := range path {
		switch {
		case 'a' <= c && c <= 'z':
		case 'A' <= c && c <= 'Z':
		case '0' <= c && c <= '9':
		case c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

func contains(paths []string, path string) bool {
	for _, p := range paths {
		if p == path {
			return true
		}
	}
	return false
}

func (self *Selector) All() bool {
	return self.all
}

// Paths returns the requested paths in request order.
func (self *Selector) Paths() []string {
	return append([]string{}, self.paths...)
}

// includes reports whether a declared path is selected under `mode`.
// Requested paths absent from the value's schema are silently ignored.
func (self *Selector) includes(path string, mode MapperMode) bool {
	if self.all {
		return true
	}
	switch mode {
	case MapperSlice:
		top := topLevel(path)
		for _, p := range self.paths {
			if topLevel(p) == top {
				return true
			}
		}
		return false
	default:
		return contains(self.paths, path)
	}
}

// Apply returns a filtered copy of `v` retaining only the selected fields.
// Fields outside the selection are dropped, not zeroed.
func (self *Selector) Apply(v *Value, mode MapperMode) *Value {
	if self.all {
		return v.Clone()
	}
	order := []string{}
	for _, path := range v.order {
		if self.includes(path, mode) {
			order = append(order, path)
		}
	}
	filtered := NewValue(order)
	for _, path := range order {
		filtered.data[path] = v.data[path]
		if v.changed[path] {
			filtered.changed[path] = true
		}
	}
	return filtered
}

// SelectsAny reports whether any of `paths` falls inside the selection.
// Used to gate monitor delivery on the posted change set.
func (self *Selector) SelectsAny(paths []string, mode MapperMode) bool {
	if self.all {
		return true
	}
	for _, path := range paths {
		if self.includes(path, mode) {
			return true
		}
	}
	return false
}
