// Package registry holds the benchmarks a harness binary knows about.
// Benchmarks register at runtime through ordinary code, typically from a
// suite constructor. Parameterized benchmarks declare axes and expand over
// the cartesian grid of axis values; each grid point is measured as an
// independent benchmark instance.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

////////////////////////////////////////////////////////////////////////////////

// Axis is one parameter dimension of a benchmark.
type Axis struct {
	Name   string
	Values []int64
}

// Assignment binds one axis to a concrete value.
type Assignment struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// Values is one grid point: axis assignments in declaration order.
type Values []Assignment

// Get returns the value bound to the named axis.
func (v Values) Get(name string) (int64, bool) {
	for _, a := range v {
		if a.Name == name {
			return a.Value, true
		}
	}
	return 0, false
}

// MustGet is Get for axes the benchmark body knows it declared.
func (v Values) MustGet(name string) int64 {
	val, ok := v.Get(name)
	if !ok {
		panic(fmt.Sprintf("benchmark parameter %q is not bound", name))
	}
	return val
}

func (v Values) String() string {
	if len(v) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('(')
	for i, a := range v {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %d", a.Name, a.Value)
	}
	sb.WriteByte(')')
	return sb.String()
}

// InstanceName names one grid point of a benchmark, e.g. "MapLookup(n: 64)".
// Unparameterized benchmarks keep their bare name.
func InstanceName(name string, args Values) string {
	return name + args.String()
}

////////////////////////////////////////////////////////////////////////////////

// Benchmark couples a name with a workload factory. Body binds one grid
// point and returns the closure the measurement engine will time.
type Benchmark struct {
	Name string
	Axes []Axis
	Body func(args Values) func()
}

// Grid returns the parameter grid of this benchmark.
func (b *Benchmark) Grid() *Grid {
	return NewGrid(b.Axes)
}

////////////////////////////////////////////////////////////////////////////////

// Registry is an ordered, name-unique benchmark collection.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*Benchmark
	order  []string
}

func New() *Registry {
	return &Registry{byName: make(map[string]*Benchmark)}
}

// Register adds a benchmark. Names must be unique and bodies non-nil.
func (r *Registry) Register(b Benchmark) error {
	if b.Name == "" {
		return fmt.Errorf("benchmark name must not be empty")
	}
	if b.Body == nil {
		return fmt.Errorf("benchmark %q has no body", b.Name)
	}
	seen := make(map[string]bool, len(b.Axes))
	for _, axis := range b.Axes {
		if seen[axis.Name] {
			return fmt.Errorf("benchmark %q declares axis %q twice", b.Name, axis.Name)
		}
		seen[axis.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[b.Name]; ok {
		return fmt.Errorf("benchmark %q is already registered", b.Name)
	}
	r.byName[b.Name] = &b
	r.order = append(r.order, b.Name)
	return nil
}

// MustRegister is Register for static suites assembled at startup.
func (r *Registry) MustRegister(b Benchmark) {
	if err := r.Register(b); err != nil {
		panic(err)
	}
}

// Benchmarks returns all benchmarks in registration order.
func (r *Registry) Benchmarks() []*Benchmark {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Benchmark, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Lookup finds a benchmark by name.
func (r *Registry) Lookup(name string) (*Benchmark, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byName[name]
	return b, ok
}

// Names returns the registered benchmark names, sorted for display.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}
