package backends_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/wayneeseguin/omnipipe/pkg/backends"
	"github.com/wayneeseguin/omnipipe/pkg/features"
	"github.com/wayneeseguin/omnipipe/pkg/types"
)

func jsonRecord(i int) *types.Record {
	// Seven bytes of JSON plus the newline for single digits.
	return &types.Record{JSON: []byte(fmt.Sprintf(`{"n":%d}`+"\n", i))}
}

func openFileSink(t *testing.T, uri string) *backends.FileSink {
	t.Helper()
	d, err := backends.Parse(uri)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", uri, err)
	}
	sink, err := backends.NewFileSink(d.Name, *d.File)
	if err != nil {
		t.Fatalf("NewFileSink() error = %v", err)
	}
	t.Cleanup(func() { _ = sink.Close(context.Background()) })
	return sink
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestFileSink_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.log")
	sink := openFileSink(t, path)

	for i := 0; i < 3; i++ {
		if err := sink.Accept(context.Background(), jsonRecord(i)); err != nil {
			t.Fatalf("Accept() error = %v", err)
		}
	}
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	lines := readLines(t, path)
	want := []string{`{"n":0}`, `{"n":1}`, `{"n":2}`}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %v, want %v", lines, want)
	}
	if sink.Size() != 24 {
		t.Errorf("Size() = %d, want 24", sink.Size())
	}
}

func TestFileSink_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte("existing\n"), 0644); err != nil {
		t.Fatal(err)
	}

	sink := openFileSink(t, path)
	if sink.Size() != 9 {
		t.Errorf("Size() = %d, want 9", sink.Size())
	}
	_ = sink.Accept(context.Background(), jsonRecord(1))
	_ = sink.Flush(context.Background())

	if lines := readLines(t, path); len(lines) != 2 || lines[0] != "existing" {
		t.Errorf("lines = %v", lines)
	}
}

func TestFileSink_RotationAndRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	sink := openFileSink(t, "file://"+path+"?max_bytes=20&backups=2")

	var events []string
	var mu sync.Mutex
	sink.SetMetricsHandler(func(event string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	})

	// Two 8-byte lines fit under 20 bytes, so every third line rotates.
	for i := 0; i < 9; i++ {
		if err := sink.Accept(context.Background(), jsonRecord(i)); err != nil {
			t.Fatalf("Accept(%d) error = %v", i, err)
		}
	}
	_ = sink.Flush(context.Background())

	tests := []struct {
		path string
		want []string
	}{
		{path, []string{`{"n":8}`}},
		{path + ".1", []string{`{"n":6}`, `{"n":7}`}},
		{path + ".2", []string{`{"n":4}`, `{"n":5}`}},
	}
	for _, tt := range tests {
		got := readLines(t, tt.path)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("%s = %v, want %v", filepath.Base(tt.path), got, tt.want)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Errorf("expected %s.3 to be pruned, stat err = %v", path, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 4 || events[0] != "rotation_completed" {
		t.Errorf("metrics events = %v, want 4 rotations", events)
	}
}

func TestFileSink_CompressedBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	sink := openFileSink(t, "file://"+path+"?max_bytes=10&backups=3&compress=true")

	for i := 0; i < 3; i++ {
		if err := sink.Accept(context.Background(), jsonRecord(i)); err != nil {
			t.Fatal(err)
		}
	}

	data, err := os.ReadFile(path + ".1.gz")
	if err != nil {
		t.Fatalf("expected compressed backup: %v", err)
	}
	plain, err := features.GunzipBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != `{"n":1}`+"\n" {
		t.Errorf("backup content = %q", plain)
	}
	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Error("uncompressed backup left behind")
	}
}

func TestFileSink_ClosedRejects(t *testing.T) {
	sink := openFileSink(t, filepath.Join(t.TempDir(), "app.log"))
	if err := sink.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := sink.Accept(context.Background(), jsonRecord(0)); err == nil {
		t.Error("Accept() after Close() should fail")
	}
}
