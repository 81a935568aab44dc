// Package module provides the user facing scan modules. A module holds
// typed options, which can be changed by name, and turns them into a call
// of a tool integration. Every failure of a module run is returned as a
// *model.ModuleError.
package module

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/model"
)

// Module is a configurable scan
type Module interface {
	Name() string
	Description() string
	// Options lists the options in a stable order
	Options() []OptionInfo
	// Set changes an option, the value is validated and converted
	Set(name, value string) error
	// SetTarget is a shortcut for setting the required target option
	SetTarget(target string) error
	// Clone returns a copy of the module with the same options
	Clone() Module
	Run(ctx context.Context) (Output, error)
}

// Output is a result of a module run
type Output struct {
	// Scan is the tool independent form suitable for sinks
	Scan model.ScanResult
	// Report is the module specific report meant for display
	Report any
}

type OptionInfo struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

// option binds a name to a typed field of a module
type option struct {
	name        string
	description string
	required    bool
	get         func() string
	set         func(string) error
}

type options []option

func (o options) info() []OptionInfo {
	ret := make([]OptionInfo, 0, len(o))
	for _, opt := range o {
		ret = append(ret, OptionInfo{
			Name:        opt.name,
			Value:       opt.get(),
			Description: opt.description,
			Required:    opt.required,
		})
	}
	return ret
}

func (o options) set(name, value string) error {
	for _, opt := range o {
		if opt.name == name {
			if err := opt.set(strings.TrimSpace(value)); err != nil {
				return fmt.Errorf("%w: %s: %w", model.ErrInvalidOption, name, err)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: unknown option %q", model.ErrInvalidOption, name)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%q is not a boolean", s)
	}
}

func parseIntRange(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%d out of range [%d, %d]", n, lo, hi)
	}
	return n, nil
}

// parseTimeout accepts seconds or a Go duration
func parseTimeout(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("timeout must be positive")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a timeout", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive")
	}
	return d, nil
}

func formatTimeout(d time.Duration) string {
	if d%time.Second == 0 {
		return strconv.Itoa(int(d / time.Second))
	}
	return d.String()
}

func oneOf(s string, allowed ...string) (string, error) {
	s = strings.ToLower(s)
	if slices.Contains(allowed, s) {
		return s, nil
	}
	return "", fmt.Errorf("%q is not one of %s", s, strings.Join(allowed, ", "))
}

func annotate(sr *model.ScanResult, module string) {
	if sr.Metadata == nil {
		sr.Metadata = make(map[string]any)
	}
	sr.Metadata["module"] = module
}

// Registry holds module prototypes by name. Get returns a fresh clone, so
// option changes of one caller are not seen by others.
type Registry struct {
	mx      sync.RWMutex
	modules map[string]Module
}

func NewRegistry(modules ...Module) *Registry {
	r := &Registry{modules: make(map[string]Module, len(modules))}
	for _, m := range modules {
		r.modules[m.Name()] = m
	}
	return r
}

func (r *Registry) Register(m Module) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.modules[m.Name()]; ok {
		return fmt.Errorf("module %q already registered", m.Name())
	}
	r.modules[m.Name()] = m
	return nil
}

func (r *Registry) Get(name string) (Module, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	m, ok := r.modules[name]
	if !ok {
		return nil, model.NewModuleError(name, fmt.Sprintf("Module %s not found", name), nil)
	}
	return m.Clone(), nil
}

// Names returns registered module names sorted
func (r *Registry) Names() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return slices.Sorted(maps.Keys(r.modules))
}
