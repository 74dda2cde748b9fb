package formatters

import (
	"fmt"
	"sort"
	"sync"
)

// FormatterConstructor creates a formatter from options.
type FormatterConstructor func(opts FormatOptions) Formatter

// Factory creates formatter instances by name.
type Factory struct {
	mu         sync.RWMutex
	formatters map[string]FormatterConstructor
}

// NewFactory creates a new formatter factory with json and text registered.
func NewFactory() *Factory {
	f := &Factory{
		formatters: make(map[string]FormatterConstructor),
	}
	_ = f.Register("json", func(FormatOptions) Formatter { return NewJSONFormatter() })
	_ = f.Register("text", func(opts FormatOptions) Formatter { return NewTextFormatter(opts) })
	return f
}

// Register registers a new formatter constructor
func (f *Factory) Register(name string, constructor FormatterConstructor) error {
	if name == "" {
		return fmt.Errorf("formatter name cannot be empty")
	}
	if constructor == nil {
		return fmt.Errorf("formatter constructor cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.formatters[name] = constructor
	return nil
}

// Clone returns a factory with the same registrations. Registering on the
// clone leaves f unchanged.
func (f *Factory) Clone() *Factory {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c := &Factory{formatters: make(map[string]FormatterConstructor, len(f.formatters))}
	for name, constructor := range f.formatters {
		c.formatters[name] = constructor
	}
	return c
}

// CreateFormatter creates a formatter by name
func (f *Factory) CreateFormatter(name string, opts FormatOptions) (Formatter, error) {
	f.mu.RLock()
	constructor, exists := f.formatters[name]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("formatter %q not registered, have %v", name, f.ListFormatters())
	}
	return constructor(opts), nil
}

// ListFormatters returns the sorted names of all registered formatters
func (f *Factory) ListFormatters() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.formatters))
	for name := range f.formatters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForMode resolves a render mode to a formatter. Auto mode checks whether
// fd is a terminal: terminals get colorized text, everything else JSON.
func (f *Factory) ForMode(mode Mode, fd uintptr, opts FormatOptions) (Formatter, error) {
	switch mode {
	case ModeJSON:
		return f.CreateFormatter("json", opts)
	case ModeText:
		return f.CreateFormatter("text", opts)
	case ModeAuto:
		if IsTerminal(fd) {
			opts.Color = true
			return f.CreateFormatter("text", opts)
		}
		return f.CreateFormatter("json", opts)
	default:
		return nil, fmt.Errorf("unknown render mode: %d", mode)
	}
}

// DefaultFactory holds the built-in formatters. Configurations that add
// their own register on a Clone.
var DefaultFactory = NewFactory()
