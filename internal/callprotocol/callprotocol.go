// Package callprotocol implements the Host and CFFI dispatch kinds of
// §4.H: name/symbol resolution, caching of resolution state, and the
// portable Value conversion host callbacks and foreign functions see
// instead of linking against VM internals (§9 "Foreign function calls").
package callprotocol

import (
	"fmt"
	"plugin"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kunitoki/etch/internal/value"
)

// Portable is the boundary representation a host/CFFI callback reads and
// writes — deliberately not internal/value.Value, so a callback package
// never needs to import the VM's internal heap/value machinery (§9).
type Portable struct {
	Kind string // "nil" | "bool" | "int" | "float" | "string" | "array"
	B    bool
	I    int64
	F    float64
	S    string
	A    []Portable
}

// ToPortable converts a Value to its boundary representation. Heap
// containers are flattened eagerly for Array (a snapshot, not a live
// view) since a foreign callback must not be handed a live heap id.
func ToPortable(v value.Value, elements func(value.Value) []value.Value) Portable {
	switch v.Kind() {
	case value.KindNil, value.KindNone:
		return Portable{Kind: "nil"}
	case value.KindBool:
		return Portable{Kind: "bool", B: v.AsBool()}
	case value.KindInt:
		return Portable{Kind: "int", I: v.AsInt()}
	case value.KindFloat:
		return Portable{Kind: "float", F: v.AsFloat()}
	case value.KindString:
		return Portable{Kind: "string", S: v.AsString()}
	case value.KindArray:
		var out []Portable
		if elements != nil {
			for _, e := range elements(v) {
				out = append(out, ToPortable(e, elements))
			}
		}
		return Portable{Kind: "array", A: out}
	default:
		return Portable{Kind: "nil"}
	}
}

// FromPortable converts a boundary value back to a runtime Value.
// Unrecognized kinds — including a malformed/NULL reply from an
// untrusted foreign caller (§9 "tolerate NULL") — become Nil rather than
// panicking.
func FromPortable(p Portable) value.Value {
	switch p.Kind {
	case "bool":
		return value.Bool(p.B)
	case "int":
		return value.Int(p.I)
	case "float":
		return value.Float(p.F)
	case "string":
		return value.String(p.S)
	default:
		return value.Nil
	}
}

// HostFunc is a registered host callback (§6.2 "Injection of host-function
// callbacks keyed by name").
type HostFunc func(args []Portable, userData interface{}) Portable

// symbolState is the CFFI resolution state machine named in §4.H:
// unresolved, missing, ready.
type symbolState uint8

const (
	stateUnresolved symbolState = iota
	stateMissing
	stateReady
)

type cffiEntry struct {
	state symbolState
	fn    func(args []Portable) Portable
}

// Registry holds host callbacks and CFFI symbol resolutions, deduping
// concurrent-looking resolution attempts with singleflight even though
// the VM itself is single-threaded — the pack's dependency, kept useful
// here because a long-lived Registry can be shared across VM instances
// (e.g. a test harness running many programs against one set of loaded
// libraries), where resolution genuinely can race.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]HostFunc
	cffi  map[string]*cffiEntry
	libs  map[string]*plugin.Plugin
	group singleflight.Group
}

func New() *Registry {
	return &Registry{
		hosts: make(map[string]HostFunc),
		cffi:  make(map[string]*cffiEntry),
		libs:  make(map[string]*plugin.Plugin),
	}
}

// RegisterHost installs a host callback under name (§6.2).
func (r *Registry) RegisterHost(name string, fn HostFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[name] = fn
}

// Host looks up a registered host callback; ok is false when dispatch
// should fall back to writing Nil per §7 "Function dispatch failure".
func (r *Registry) Host(name string) (HostFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.hosts[name]
	return fn, ok
}

// ResolveCFFI lazily resolves symbol in libraryPath, caching the result
// (unresolved/missing/ready) so repeated calls through the same CFFI
// opcode site don't re-open the shared library. Concurrent resolution
// attempts for the same key are collapsed via singleflight.
func (r *Registry) ResolveCFFI(libraryPath, symbol string) (func(args []Portable) Portable, bool) {
	key := libraryPath + "#" + symbol

	r.mu.RLock()
	if e, ok := r.cffi[key]; ok {
		r.mu.RUnlock()
		return e.fn, e.state == stateReady
	}
	r.mu.RUnlock()

	v, _, _ := r.group.Do(key, func() (interface{}, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if e, ok := r.cffi[key]; ok {
			return e, nil
		}
		entry := r.resolveLocked(libraryPath, symbol)
		r.cffi[key] = entry
		return entry, nil
	})

	entry := v.(*cffiEntry)
	return entry.fn, entry.state == stateReady
}

func (r *Registry) resolveLocked(libraryPath, symbol string) *cffiEntry {
	lib, ok := r.libs[libraryPath]
	if !ok {
		p, err := plugin.Open(libraryPath)
		if err != nil {
			return &cffiEntry{state: stateMissing}
		}
		lib = p
		r.libs[libraryPath] = p
	}
	sym, err := lib.Lookup(symbol)
	if err != nil {
		return &cffiEntry{state: stateMissing}
	}
	fn, ok := sym.(func(args []Portable) Portable)
	if !ok {
		return &cffiEntry{state: stateMissing}
	}
	return &cffiEntry{state: stateReady, fn: fn}
}

// MissingSymbolError documents why a CFFI call could not be resolved, for
// diag logging at the call site — the result register itself still gets
// Nil per §7, this is informational only.
func MissingSymbolError(libraryPath, symbol string) error {
	return fmt.Errorf("callprotocol: symbol %q not found in %q", symbol, libraryPath)
}
