// Package transform holds the closed set of scalar functions that map sampled
// parameter values into simulator space.
package transform

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

type Kind string

const (
	KindIdentity Kind = "identity"
	KindLogistic Kind = "logistic"
	KindLogit    Kind = "logit"
	KindLog      Kind = "log"
	KindExp      Kind = "exp"
	KindPow10    Kind = "pow_10"
	KindCustom   Kind = "custom"
)

var (
	ErrTransformExists   = errors.New("transform already registered")
	ErrTransformNotFound = errors.New("transform not found")
)

type Func func(x float64) float64

// Transform is a resolved, pure numeric function.
type Transform struct {
	Kind Kind
	Name string
	fn   Func
}

func (t Transform) Apply(x float64) float64 {
	if t.fn == nil {
		return x
	}
	return t.fn(x)
}

var builtIns = map[Kind]Func{
	KindIdentity: func(x float64) float64 { return x },
	KindLogistic: func(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) },
	KindLogit:    func(x float64) float64 { return math.Log(x / (1 - x)) },
	KindLog:      math.Log,
	KindExp:      math.Exp,
	KindPow10:    func(x float64) float64 { return math.Pow(10, x) },
}

var customRegistry = struct {
	mu sync.RWMutex
	m  map[string]Func
}{
	m: make(map[string]Func),
}

// Parse resolves a transform by name. Empty and "none" mean identity; names
// outside the built-in set must have been registered with RegisterCustom.
func Parse(name string) (Transform, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "", "none":
		key = string(KindIdentity)
	case "pow10":
		key = string(KindPow10)
	}
	if fn, ok := builtIns[Kind(key)]; ok {
		return Transform{Kind: Kind(key), Name: key, fn: fn}, nil
	}

	customRegistry.mu.RLock()
	fn, ok := customRegistry.m[name]
	customRegistry.mu.RUnlock()
	if !ok {
		return Transform{}, fmt.Errorf("%w: %s", ErrTransformNotFound, name)
	}
	return Transform{Kind: KindCustom, Name: name, fn: fn}, nil
}

func RegisterCustom(name string, fn Func) error {
	if name == "" {
		return errors.New("transform name is required")
	}
	if fn == nil {
		return errors.New("transform function is required")
	}
	if _, ok := builtIns[Kind(strings.ToLower(name))]; ok {
		return fmt.Errorf("%w: %s is built in", ErrTransformExists, name)
	}

	customRegistry.mu.Lock()
	defer customRegistry.mu.Unlock()

	if _, exists := customRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrTransformExists, name)
	}
	customRegistry.m[name] = fn
	return nil
}

func MustRegisterCustom(name string, fn Func) {
	if err := RegisterCustom(name, fn); err != nil {
		panic(err)
	}
}

// List returns every resolvable transform name, built-ins first.
func List() []string {
	names := make([]string, 0, len(builtIns))
	for kind := range builtIns {
		names = append(names, string(kind))
	}
	sort.Strings(names)

	customRegistry.mu.RLock()
	custom := make([]string, 0, len(customRegistry.m))
	for name := range customRegistry.m {
		custom = append(custom, name)
	}
	customRegistry.mu.RUnlock()
	sort.Strings(custom)

	return append(names, custom...)
}

func resetCustomRegistryForTests() {
	customRegistry.mu.Lock()
	customRegistry.m = make(map[string]Func)
	customRegistry.mu.Unlock()
}
