package task

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// ErrUnknownTask is returned when a task identifier does not resolve to a
// registered task.
var ErrUnknownTask = errors.New("unknown task")

// ErrDuplicateTask is returned by NewRegistry when a module registers the
// same canonical name twice.
var ErrDuplicateTask = errors.New("duplicate task")

// Defaults are applied to tasks that do not provide their own timeout or
// retry budget.
type Defaults struct {
	Timeout    time.Duration
	MaxRetries int
}

// Registry maps canonical task names to descriptors. It is immutable after
// construction and safe for concurrent use without locking.
type Registry struct {
	byName  map[string]*Descriptor
	byType  map[string]string
	byShort map[string]string
}

// NewRegistry merges the task lists of modules into a registry. Modules with
// no tasks are accepted. Identical short names in different modules are kept
// apart by their module prefix; a canonical name registered twice is an error.
func NewRegistry(defaults Defaults, modules ...Module) (*Registry, error) {
	r := &Registry{
		byName:  make(map[string]*Descriptor),
		byType:  make(map[string]string),
		byShort: make(map[string]string),
	}

	// Secondary identifiers that map to more than one task are dropped from
	// lookup rather than guessed.
	ambiguousType := make(map[string]bool)
	ambiguousShort := make(map[string]bool)

	for _, m := range modules {
		for _, t := range m.Tasks {
			if t == nil {
				return nil, fmt.Errorf("module %q: nil task", m.Name)
			}
			d := describe(m.Name, t, defaults)
			if _, ok := r.byName[d.Name]; ok {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, d.Name)
			}
			r.byName[d.Name] = d

			if prev, ok := r.byType[d.TypeRef]; ok && prev != d.Name {
				ambiguousType[d.TypeRef] = true
			}
			r.byType[d.TypeRef] = d.Name

			if prev, ok := r.byShort[d.ShortName]; ok && prev != d.Name {
				ambiguousShort[d.ShortName] = true
			}
			r.byShort[d.ShortName] = d.Name
		}
	}

	for ref := range ambiguousType {
		delete(r.byType, ref)
	}
	for short := range ambiguousShort {
		delete(r.byShort, short)
	}
	return r, nil
}

func describe(module string, t Task, defaults Defaults) *Descriptor {
	typeRef, typeName := typeOf(t)

	short := strings.TrimSuffix(typeName, "Task")
	if n, ok := t.(Named); ok && n.TaskName() != "" {
		short = n.TaskName()
	}

	name := short
	if module != "" {
		name = module + "." + short
	}

	d := &Descriptor{
		Name:       name,
		Module:     module,
		ShortName:  short,
		TypeRef:    typeRef,
		Handler:    t,
		Timeout:    defaults.Timeout,
		MaxRetries: defaults.MaxRetries,
	}
	if p, ok := t.(TimeoutProvider); ok && p.Timeout() > 0 {
		d.Timeout = p.Timeout()
	}
	if p, ok := t.(RetryProvider); ok && p.MaxRetries() >= 0 {
		d.MaxRetries = p.MaxRetries()
	}
	return d
}

// typeOf returns the fully-qualified type reference and bare type name of t,
// looking through one level of pointer.
func typeOf(t Task) (ref, name string) {
	rt := reflect.TypeOf(t)
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	name = rt.Name()
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	return rt.PkgPath() + "." + rt.Name(), name
}

// Resolve returns the canonical name for identifier, which may be a
// canonical name, a fully-qualified type reference, or a task's short name
// when that short name is unique across modules.
func (r *Registry) Resolve(identifier string) (string, error) {
	if _, ok := r.byName[identifier]; ok {
		return identifier, nil
	}
	if name, ok := r.byType[identifier]; ok {
		return name, nil
	}
	if name, ok := r.byShort[identifier]; ok {
		return name, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTask, identifier)
}

// Get returns the descriptor registered under the canonical name.
func (r *Registry) Get(name string) (*Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return d, nil
}

// All returns a copy of the name to descriptor mapping.
func (r *Registry) All() map[string]*Descriptor {
	out := make(map[string]*Descriptor, len(r.byName))
	for k, v := range r.byName {
		out[k] = v
	}
	return out
}

// Names returns every canonical name in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
