package background

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	storageerrors "github.com/devrev/shelfdb/internal/errors"
)

// Var is a runtime tunable exposed to operators.
type Var interface {
	Get() string
	Set(value string) error
}

// Vars is the registry of runtime tunables owned by the top-level system.
type Vars struct {
	mu   sync.RWMutex
	vars map[string]Var
}

// NewVars creates an empty registry.
func NewVars() *Vars {
	return &Vars{vars: make(map[string]Var)}
}

// Register adds v under name. Registering a name twice panics.
func (v *Vars) Register(name string, variable Var) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.vars[name]; ok {
		panic(fmt.Sprintf("background variable %q registered twice", name))
	}
	v.vars[name] = variable
}

func (v *Vars) lookup(name string) (Var, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	variable, ok := v.vars[name]
	if !ok {
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("unknown variable %q", name), nil)
	}
	return variable, nil
}

func (v *Vars) Get(name string) (string, error) {
	variable, err := v.lookup(name)
	if err != nil {
		return "", err
	}
	return variable.Get(), nil
}

func (v *Vars) Set(name, value string) error {
	variable, err := v.lookup(name)
	if err != nil {
		return err
	}
	if err := variable.Set(value); err != nil {
		return storageerrors.InvalidArgument(fmt.Sprintf("invalid value for %s", name), err)
	}
	return nil
}

// All returns every variable with its current value.
func (v *Vars) All() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]string, len(v.vars))
	for name, variable := range v.vars {
		out[name] = variable.Get()
	}
	return out
}

// Names returns registered names in sorted order.
func (v *Vars) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.vars))
	for name := range v.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Duration is a duration tunable, read lock-free by workers.
type Duration struct {
	v        atomic.Int64
	min      time.Duration
	onChange func(time.Duration)
}

// NewDuration creates a duration variable. Values below min are rejected.
func NewDuration(initial, min time.Duration) *Duration {
	d := &Duration{min: min}
	d.v.Store(int64(initial))
	return d
}

// OnChange registers fn to run after every successful Set.
func (d *Duration) OnChange(fn func(time.Duration)) *Duration {
	d.onChange = fn
	return d
}

func (d *Duration) Load() time.Duration { return time.Duration(d.v.Load()) }

func (d *Duration) Get() string { return d.Load().String() }

func (d *Duration) Set(value string) error {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if parsed < d.min {
		return fmt.Errorf("must be at least %s", d.min)
	}
	d.v.Store(int64(parsed))
	if d.onChange != nil {
		d.onChange(parsed)
	}
	return nil
}

// Int is an integer tunable bounded to [min, max].
type Int struct {
	v        atomic.Int64
	min, max int64
	onChange func(int64)
}

// NewInt creates an integer variable.
func NewInt(initial, min, max int64) *Int {
	i := &Int{min: min, max: max}
	i.v.Store(initial)
	return i
}

// OnChange registers fn to run after every successful Set.
func (i *Int) OnChange(fn func(int64)) *Int {
	i.onChange = fn
	return i
}

func (i *Int) Load() int64 { return i.v.Load() }

func (i *Int) Get() string { return strconv.FormatInt(i.Load(), 10) }

func (i *Int) Set(value string) error {
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return err
	}
	if parsed < i.min || parsed > i.max {
		return fmt.Errorf("must be within [%d, %d]", i.min, i.max)
	}
	i.v.Store(parsed)
	if i.onChange != nil {
		i.onChange(parsed)
	}
	return nil
}
