// Package testutil holds helpers shared by package tests.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// RecordEnv switches NewRecorder to recording mode when set to "record".
// Recording talks to the real endpoint named in the test.
const RecordEnv = "STAGEFLOW_VCR_MODE"

// NewRecorder opens the cassette testdata/fixtures/<name>.yaml relative to
// the calling package and stops it when the test ends. Interactions match
// on method and URL; webhook bodies carry run ids that change every run.
func NewRecorder(t *testing.T, name string) *recorder.Recorder {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv(RecordEnv) == "record" {
		mode = recorder.ModeRecording
	}

	r, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", name), mode, nil)
	if err != nil {
		t.Fatalf("open cassette %s: %v", name, err)
	}

	r.SetMatcher(func(req *http.Request, i cassette.Request) bool {
		return req.Method == i.Method && req.URL.String() == i.URL
	})

	// Keep credentials configured through stage headers out of cassettes.
	r.AddFilter(func(i *cassette.Interaction) error {
		delete(i.Request.Headers, "Authorization")
		return nil
	})

	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("stop cassette %s: %v", name, err)
		}
	})

	return r
}

// Client returns an HTTP client that routes through the recorder.
func Client(r *recorder.Recorder) *http.Client {
	return &http.Client{Transport: r}
}
