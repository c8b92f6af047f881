// Package testharness provides test utilities shared by the collaboration
// packages: golden wire snapshots and an in-memory event channel.
package testharness

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/citruslab/collab/internal/events"
)

// updateGolden rewrites golden files instead of comparing against them.
var updateGolden = os.Getenv("UPDATE_GOLDEN") == "1"

// Golden compares encoded frames with snapshots in testdata/golden.
type Golden struct {
	t      *testing.T
	dir    string
	prefix string
}

// NewGolden returns a Golden whose files are named after the running test.
func NewGolden(t *testing.T) *Golden {
	t.Helper()
	return &Golden{
		t:      t,
		dir:    filepath.Join("testdata", "golden"),
		prefix: strings.NewReplacer("/", "_", " ", "_", ":", "_").Replace(t.Name()),
	}
}

// AssertFrame compares the indented JSON of frame with <test>_<name>.json.golden.
func (g *Golden) AssertFrame(name string, frame events.Frame) {
	g.t.Helper()
	data, err := json.MarshalIndent(frame, "", "  ")
	if err != nil {
		g.t.Fatalf("encode %s frame: %v", frame.Event, err)
	}
	g.compare(g.prefix+"_"+name+".json.golden", data)
}

func (g *Golden) compare(file string, actual []byte) {
	g.t.Helper()
	path := filepath.Join(g.dir, file)

	if updateGolden {
		if err := os.MkdirAll(g.dir, 0o755); err != nil {
			g.t.Fatalf("create golden dir: %v", err)
		}
		if err := os.WriteFile(path, actual, 0o644); err != nil {
			g.t.Fatalf("update %s: %v", path, err)
		}
		return
	}

	want, err := os.ReadFile(path)
	if err != nil {
		g.t.Fatalf("read %s: %v (set UPDATE_GOLDEN=1 to create it)\n\n%s", path, err, actual)
	}
	if bytes.Equal(want, actual) {
		return
	}
	wantLines := strings.Split(string(want), "\n")
	gotLines := strings.Split(string(actual), "\n")
	for i := 0; i < max(len(wantLines), len(gotLines)); i++ {
		var w, a string
		if i < len(wantLines) {
			w = wantLines[i]
		}
		if i < len(gotLines) {
			a = gotLines[i]
		}
		if w != a {
			g.t.Errorf("%s differs at line %d:\n- %s\n+ %s\n\nfull output:\n%s", path, i+1, w, a, actual)
			return
		}
	}
}
