package pipeline

import (
	"context"
	"testing"
)

func noop(context.Context, View) Outcome { return Success(nil) }

func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name    string
		specs   []StageSpec
		wantErr bool
	}{
		{
			name:  "valid",
			specs: []StageSpec{{Name: "a", Invoke: noop}, {Name: "b", Invoke: noop, Produces: []string{"x"}}},
		},
		{
			name:    "empty name",
			specs:   []StageSpec{{Invoke: noop}},
			wantErr: true,
		},
		{
			name:    "missing invoke",
			specs:   []StageSpec{{Name: "a"}},
			wantErr: true,
		},
		{
			name:    "duplicate name",
			specs:   []StageSpec{{Name: "a", Invoke: noop}, {Name: "a", Invoke: noop}},
			wantErr: true,
		},
		{
			name:    "negative retries",
			specs:   []StageSpec{{Name: "a", Invoke: noop, Retryable: true, MaxRetries: -1}},
			wantErr: true,
		},
		{
			name:    "duplicate produces key",
			specs:   []StageSpec{{Name: "a", Invoke: noop, Produces: []string{"x", "x"}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.specs...)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewRegistry() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_SpecsAreCopied(t *testing.T) {
	requires := []string{"query"}
	reg, err := NewRegistry(StageSpec{Name: "ingest", Requires: requires, Invoke: noop})
	if err != nil {
		t.Fatal(err)
	}

	requires[0] = "mutated"
	spec, ok := reg.Lookup("ingest")
	if !ok {
		t.Fatal("Lookup() missing registered stage")
	}
	if spec.Requires[0] != "query" {
		t.Errorf("registry shares caller slice: %v", spec.Requires)
	}

	spec.Requires[0] = "mutated"
	again, _ := reg.Lookup("ingest")
	if again.Requires[0] != "query" {
		t.Errorf("Lookup() leaks internal slice: %v", again.Requires)
	}

	if _, ok := reg.Lookup("missing"); ok {
		t.Error("Lookup() found unregistered stage")
	}
	if got := reg.Names(); len(got) != 1 || got[0] != "ingest" {
		t.Errorf("Names() = %v", got)
	}
}

func TestStageSpec_Retries(t *testing.T) {
	tests := []struct {
		name string
		spec StageSpec
		want int
	}{
		{name: "not retryable", spec: StageSpec{MaxRetries: 5}, want: 0},
		{name: "retryable default", spec: StageSpec{Retryable: true}, want: DefaultMaxRetries},
		{name: "retryable explicit", spec: StageSpec{Retryable: true, MaxRetries: 4}, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.spec.retries(); got != tt.want {
				t.Errorf("retries() = %d, want %d", got, tt.want)
			}
		})
	}
}
