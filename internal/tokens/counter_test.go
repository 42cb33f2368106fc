package tokens

import (
	"testing"
)

func TestTiktokenCounter_CountText(t *testing.T) {
	c, err := NewTiktokenCounter("")
	if err != nil {
		t.Fatalf("NewTiktokenCounter() error = %v", err)
	}

	tests := []struct {
		name string
		text string
		min  int
		max  int
	}{
		{name: "empty", text: "", min: 0, max: 0},
		{name: "single word", text: "hello", min: 1, max: 1},
		{name: "sentence", text: "Summarize the quarterly revenue table.", min: 5, max: 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.CountText(tt.text)
			if err != nil {
				t.Fatalf("CountText() error = %v", err)
			}
			if got < tt.min || got > tt.max {
				t.Errorf("CountText(%q) = %d, want between %d and %d", tt.text, got, tt.min, tt.max)
			}
		})
	}
}

func TestNewTiktokenCounter_UnknownEncoding(t *testing.T) {
	if _, err := NewTiktokenCounter("not_an_encoding"); err == nil {
		t.Error("NewTiktokenCounter() error = nil, want error")
	}
}

func TestNewTiktokenCounter_EncodingNameIsCaseInsensitive(t *testing.T) {
	if _, err := NewTiktokenCounter("O200K_BASE"); err != nil {
		t.Fatalf("NewTiktokenCounter() error = %v", err)
	}
	codecMu.Lock()
	defer codecMu.Unlock()
	if _, ok := codecCache["o200k_base"]; !ok {
		t.Error("expected codec to be cached under its canonical name")
	}
}

func TestEstimator_CountText(t *testing.T) {
	e := NewEstimator()

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"ab", 1},
		{"abcdefgh", 2},
	}

	for _, tt := range tests {
		got, _ := e.CountText(tt.text)
		if got != tt.want {
			t.Errorf("CountText(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestCountValues(t *testing.T) {
	e := NewEstimator()
	values := map[string]any{
		"query":  "abcdefgh",
		"count":  42,
		"nested": map[string]any{"text": "abcd"},
		"list":   []any{"abcd", 7, []string{"abcdefgh"}},
		"tags":   []string{"abcd", "abcd"},
	}

	got, err := CountValues(e, values)
	if err != nil {
		t.Fatal(err)
	}
	// query 2, nested 1, list 1+2, tags 2
	if got != 8 {
		t.Errorf("CountValues() = %d, want 8", got)
	}
}
