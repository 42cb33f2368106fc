package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/tjfontaine/stageflow/internal/core/domain"
)

// DefaultRouteKey is the output key read from a branch stage when the
// branch point does not name one.
const DefaultRouteKey = "route"

// BranchPoint selects one stage out of a closed set of alternatives based
// on a router stage's output. After the selected alternative completes,
// execution resumes with the stages following the router.
type BranchPoint struct {
	Stage        string   `json:"stage"`
	Key          string   `json:"key"`
	Alternatives []string `json:"alternatives"`
	Default      string   `json:"default"`
}

func (b *BranchPoint) key() string {
	if b.Key == "" {
		return DefaultRouteKey
	}
	return b.Key
}

// Select picks the alternative named by output[Key]. Values that are
// missing, not strings, or not in Alternatives fall back to Default; the
// returned decision records which happened.
func (b *BranchPoint) Select(output map[string]any) domain.RouteDecision {
	decision := domain.RouteDecision{
		Stage:    b.Stage,
		Selected: b.Default,
		Fallback: true,
		Category: domain.CategoryRoutingAmbiguous,
	}

	raw, ok := output[b.key()]
	if !ok || raw == nil {
		return decision
	}
	value, isString := raw.(string)
	if !isString {
		decision.Value = fmt.Sprint(raw)
		return decision
	}
	decision.Value = value

	want := strings.TrimSpace(value)
	if slices.Contains(b.Alternatives, want) {
		decision.Selected = want
		decision.Fallback = false
		decision.Category = ""
	}
	return decision
}

// Definition is an ordered stage list with at most one branch point.
type Definition struct {
	Name   string       `json:"name"`
	Stages []string     `json:"stages"`
	Branch *BranchPoint `json:"branch,omitempty"`
}

// Validate checks that every referenced stage is registered, that no stage
// can run twice in one run and that the branch point is well formed.
func (d *Definition) Validate(reg *Registry) error {
	if d.Name == "" {
		return errors.New("pipeline name is required")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("pipeline %s: no stages", d.Name)
	}

	seen := make(map[string]bool)
	check := func(name string) error {
		if _, ok := reg.Lookup(name); !ok {
			return fmt.Errorf("pipeline %s: unknown stage %q", d.Name, name)
		}
		if seen[name] {
			return fmt.Errorf("pipeline %s: stage %q appears more than once", d.Name, name)
		}
		seen[name] = true
		return nil
	}

	for _, name := range d.Stages {
		if err := check(name); err != nil {
			return err
		}
	}

	if d.Branch == nil {
		return nil
	}
	b := d.Branch
	if !slices.Contains(d.Stages, b.Stage) {
		return fmt.Errorf("pipeline %s: branch stage %q is not in the stage list", d.Name, b.Stage)
	}
	if len(b.Alternatives) == 0 {
		return fmt.Errorf("pipeline %s: branch has no alternatives", d.Name)
	}
	for _, name := range b.Alternatives {
		if err := check(name); err != nil {
			return err
		}
	}
	if !slices.Contains(b.Alternatives, b.Default) {
		return fmt.Errorf("pipeline %s: branch default %q is not an alternative", d.Name, b.Default)
	}
	return nil
}

// Clone returns a deep copy of the definition.
func (d *Definition) Clone() *Definition {
	c := &Definition{Name: d.Name, Stages: slices.Clone(d.Stages)}
	if d.Branch != nil {
		b := *d.Branch
		b.Alternatives = slices.Clone(d.Branch.Alternatives)
		c.Branch = &b
	}
	return c
}
