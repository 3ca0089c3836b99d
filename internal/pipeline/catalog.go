package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/econmix/internal/export"
	"github.com/leapstack-labs/econmix/pkg/dataset"
)

// Catalog entry types.
const (
	TypeCSV    = "csv"
	TypeXLSX   = "xlsx"
	TypeText   = "text"
	TypeMemory = "memory"
)

// Entry describes where a dataset is stored.
type Entry struct {
	Type     string `yaml:"type" validate:"required,oneof=csv xlsx text memory"`
	Filepath string `yaml:"filepath" validate:"required_unless=Type memory"`
	// Sheet selects the worksheet of an xlsx entry.
	Sheet string `yaml:"sheet"`
}

// ErrNotFound is returned when a dataset has neither a stored value nor a
// readable file.
var ErrNotFound = errors.New("dataset not found")

// Catalog loads and saves named datasets. Names without an entry are kept
// in memory.
type Catalog struct {
	entries map[string]Entry
	root    string

	mu     sync.RWMutex
	memory map[string]any
}

// NewCatalog creates a catalog. Relative file paths resolve against root.
func NewCatalog(entries map[string]Entry, root string) *Catalog {
	if entries == nil {
		entries = make(map[string]Entry)
	}
	return &Catalog{entries: entries, root: root, memory: make(map[string]any)}
}

// LoadCatalog reads a YAML catalog file mapping dataset names to entries.
func LoadCatalog(path, root string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var entries map[string]Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := v.Struct(entries[name]); err != nil {
			return nil, fmt.Errorf("catalog entry %q: %w", name, err)
		}
	}
	return NewCatalog(entries, root), nil
}

// Names returns the names with catalog entries, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for n := range c.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Entry returns the entry for name.
func (c *Catalog) Entry(name string) (Entry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Exists reports whether name can be loaded.
func (c *Catalog) Exists(name string) bool {
	c.mu.RLock()
	_, inMemory := c.memory[name]
	c.mu.RUnlock()
	if inMemory {
		return true
	}
	e, ok := c.entries[name]
	if !ok || e.Type == TypeMemory {
		return false
	}
	_, err := os.Stat(c.path(e))
	return err == nil
}

// Load returns the dataset stored under name. Values saved during this
// process take precedence over files.
func (c *Catalog) Load(name string) (any, error) {
	c.mu.RLock()
	v, ok := c.memory[name]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	e, ok := c.entries[name]
	if !ok || e.Type == TypeMemory {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	path := c.path(e)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %q (%s)", ErrNotFound, name, path)
	}
	switch e.Type {
	case TypeCSV:
		return dataset.ReadCSVFile(path)
	case TypeXLSX:
		return export.ReadXLSX(path, e.Sheet)
	case TypeText:
		b, err := os.ReadFile(path) //nolint:gosec // path comes from the catalog
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("catalog entry %q has unknown type %q", name, e.Type)
	}
}

// Save stores v under name and writes it to the entry's file, if any.
func (c *Catalog) Save(name string, v any) error {
	if e, ok := c.entries[name]; ok && e.Type != TypeMemory {
		if err := c.write(name, e, v); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.memory[name] = v
	c.mu.Unlock()
	return nil
}

func (c *Catalog) write(name string, e Entry, v any) error {
	path := c.path(e)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create directory for %q: %w", name, err)
	}
	switch e.Type {
	case TypeCSV, TypeXLSX:
		d, ok := v.(*dataset.Dataset)
		if !ok {
			return fmt.Errorf("catalog entry %q stores tables, got %T", name, v)
		}
		if e.Type == TypeCSV {
			return d.WriteCSVFile(path)
		}
		sheet := e.Sheet
		if sheet == "" {
			sheet = export.SheetName(path)
		}
		return export.WriteXLSX(path, export.Sheet{Name: sheet, Data: d})
	case TypeText:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("catalog entry %q stores text, got %T", name, v)
		}
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		return nil
	default:
		return fmt.Errorf("catalog entry %q has unknown type %q", name, e.Type)
	}
}

func (c *Catalog) path(e Entry) string {
	if filepath.IsAbs(e.Filepath) || c.root == "" {
		return e.Filepath
	}
	return filepath.Join(c.root, e.Filepath)
}
