package pipeline

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrRunNotFound is returned for unknown or expired run ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunTerminal is returned when cancelling a run that already finished.
	ErrRunTerminal = errors.New("run already finished")

	// ErrUnknownPipeline is returned by Submit for an unregistered pipeline.
	ErrUnknownPipeline = errors.New("unknown pipeline")

	// ErrEngineClosed is returned by Submit after Shutdown.
	ErrEngineClosed = errors.New("engine is shut down")
)

// Catalog is an immutable set of stages and the pipelines built from them.
// The engine swaps whole catalogs on reload; a run keeps the catalog it was
// submitted under.
type Catalog struct {
	registry  *Registry
	pipelines map[string]*Definition
	def       string
}

// NewCatalog validates every definition against reg. defaultPipeline may be
// empty when exactly one pipeline is defined.
func NewCatalog(reg *Registry, defs []*Definition, defaultPipeline string) (*Catalog, error) {
	if reg == nil {
		return nil, errors.New("catalog requires a registry")
	}
	c := &Catalog{
		registry:  reg,
		pipelines: make(map[string]*Definition, len(defs)),
		def:       defaultPipeline,
	}
	for _, d := range defs {
		if err := d.Validate(reg); err != nil {
			return nil, err
		}
		if _, dup := c.pipelines[d.Name]; dup {
			return nil, fmt.Errorf("pipeline %s defined twice", d.Name)
		}
		c.pipelines[d.Name] = d.Clone()
	}
	if c.def == "" && len(defs) == 1 {
		c.def = defs[0].Name
	}
	if c.def != "" {
		if _, ok := c.pipelines[c.def]; !ok {
			return nil, fmt.Errorf("default pipeline %q is not defined", c.def)
		}
	}
	return c, nil
}

// Registry returns the catalog's stage registry.
func (c *Catalog) Registry() *Registry {
	return c.registry
}

// Pipeline resolves name, or the default pipeline when name is empty.
func (c *Catalog) Pipeline(name string) (*Definition, error) {
	if name == "" {
		name = c.def
	}
	if name == "" {
		return nil, fmt.Errorf("%w: no pipeline named and no default configured", ErrUnknownPipeline)
	}
	d, ok := c.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, name)
	}
	return d, nil
}

// DefaultPipeline returns the name used when a submission names none.
func (c *Catalog) DefaultPipeline() string {
	return c.def
}

// Definitions returns copies of every pipeline, sorted by name.
func (c *Catalog) Definitions() []*Definition {
	defs := make([]*Definition, 0, len(c.pipelines))
	for _, d := range c.pipelines {
		defs = append(defs, d.Clone())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
