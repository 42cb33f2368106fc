package pipeline

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/mitchellh/copystructure"
)

// Seed keys present in every execution context.
const (
	KeyQuery  = "query"
	KeyFileID = "file_id"
)

// seedOwner is the writer recorded for values supplied at submission.
const seedOwner = "(seed)"

// ExecutionContext accumulates the values produced by a run's stages. It
// belongs to a single supervisor goroutine and is not safe for concurrent
// use; stages only ever see a View.
type ExecutionContext struct {
	values map[string]any
	owners map[string]string
}

// NewExecutionContext creates a context holding a copy of the seed values.
func NewExecutionContext(seed map[string]any) *ExecutionContext {
	c := &ExecutionContext{
		values: make(map[string]any, len(seed)),
		owners: make(map[string]string, len(seed)),
	}
	for k, v := range snapshot(seed) {
		c.values[k] = v
		c.owners[k] = seedOwner
	}
	return c
}

// Has reports whether key has been written.
func (c *ExecutionContext) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Missing returns the keys from keys that are not present, in order.
func (c *ExecutionContext) Missing(keys []string) []string {
	var missing []string
	for _, k := range keys {
		if !c.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// Merge writes values on behalf of stage. It fails without writing anything
// if any key is already owned by a different writer. The context takes
// ownership of values; callers pass a copy they no longer touch.
func (c *ExecutionContext) Merge(stage string, values map[string]any) error {
	for k := range values {
		if owner, ok := c.owners[k]; ok && owner != stage {
			return fmt.Errorf("key %q already written by %s", k, owner)
		}
	}
	for k, v := range values {
		c.values[k] = v
		c.owners[k] = stage
	}
	return nil
}

// View returns a deep copy of the current values. Whatever a stage does to
// the maps and slices it reads never reaches the context.
func (c *ExecutionContext) View() View {
	return View{values: snapshot(c.values)}
}

// Keys returns the written keys, sorted.
func (c *ExecutionContext) Keys() []string {
	keys := slices.Collect(maps.Keys(c.values))
	sort.Strings(keys)
	return keys
}

// View is the immutable input handed to a stage invocation.
type View struct {
	values map[string]any
}

// NewView builds a view over a copy of values, for exercising stages
// directly.
func NewView(values map[string]any) View {
	return View{values: snapshot(values)}
}

// Get returns the value stored under key.
func (v View) Get(key string) (any, bool) {
	val, ok := v.values[key]
	return val, ok
}

// String returns the value under key if it is a string.
func (v View) String(key string) string {
	s, _ := v.values[key].(string)
	return s
}

// Has reports whether key is present.
func (v View) Has(key string) bool {
	_, ok := v.values[key]
	return ok
}

// Select returns the subset of values named by keys that are present.
func (v View) Select(keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if val, ok := v.values[k]; ok {
			out[k] = val
		}
	}
	return out
}

// Len returns the number of values in the view.
func (v View) Len() int {
	return len(v.values)
}

// copyValues deep-copies values so the result shares no maps, slices or
// pointers with them.
func copyValues(values map[string]any) (map[string]any, error) {
	if values == nil {
		return map[string]any{}, nil
	}
	c, err := copystructure.Copy(values)
	if err != nil {
		return nil, err
	}
	out, _ := c.(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// snapshot is copyValues for values that already passed through it once.
// Should a copy still fail, the top level is cloned instead.
func snapshot(values map[string]any) map[string]any {
	out, err := copyValues(values)
	if err != nil {
		return maps.Clone(values)
	}
	return out
}

type runIDKey struct{}

// WithRunID returns a context carrying the id of the run being executed.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the run id stored by WithRunID, if any.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
