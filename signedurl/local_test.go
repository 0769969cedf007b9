package signedurl

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pipeworks-io/pipeworks/engine"
	"github.com/pipeworks-io/pipeworks/pipeline"
)

func newLocalProvider(t *testing.T) *Local {
	t.Helper()
	cfg := Config{
		Provider:      ProviderLocal,
		BaseURL:       "http://localhost:5000",
		Secret:        "test-secret",
		DownloadRoots: []string{"./data"},
		UploadRoots:   []string{"./data/uploads"},
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	l, err := NewLocal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func textDS(t *testing.T, name, fp string) *pipeline.DataSet {
	t.Helper()
	ds, err := pipeline.NewDataSet(name, map[string]any{
		pipeline.ConfigKeyType:     engine.TypeText,
		pipeline.ConfigKeyFilepath: fp,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &ds
}

func partitionedDS(t *testing.T, name, path string) *pipeline.DataSet {
	t.Helper()
	ds, err := pipeline.NewDataSet(name, map[string]any{
		pipeline.ConfigKeyType: engine.TypePartitioned,
		pipeline.ConfigKeyPath: path,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &ds
}

func TestLocalReadTokenRoundTrip(t *testing.T) {
	l := newLocalProvider(t)
	ds := textDS(t, "text_in", "./data/in.txt")

	urls, err := l.Read(context.Background(), Request{Dataset: ds, ExpiresIn: time.Minute})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(urls) != 1 {
		t.Fatalf("got %d urls, want 1", len(urls))
	}
	if !strings.HasPrefix(urls[0], "http://localhost:5000/download?token=") {
		t.Fatalf("url = %q", urls[0])
	}

	parsed, err := url.Parse(urls[0])
	if err != nil {
		t.Fatal(err)
	}
	path, err := l.Verify(parsed.Query().Get("token"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if path != "./data/in.txt" {
		t.Errorf("token path = %q", path)
	}
}

func TestLocalExpiredTokenRejected(t *testing.T) {
	l := newLocalProvider(t)
	token, err := l.sign("./data/in.txt", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Verify(token); err == nil {
		t.Error("expired token accepted")
	}
	if _, err := l.Verify("not-a-token"); err == nil {
		t.Error("garbage token accepted")
	}
}

func TestLocalCreateUploadDescriptor(t *testing.T) {
	l := newLocalProvider(t)
	ds := partitionedDS(t, "gql_logs", "./data/logs")

	uploads, err := l.Create(context.Background(), Request{
		Dataset:    ds,
		ExpiresIn:  time.Minute,
		Partitions: []string{"info.log", "errors.log"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(uploads) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(uploads))
	}
	wantPaths := map[string]bool{"./data/logs/info.log": false, "./data/logs/errors.log": false}
	for _, up := range uploads {
		if up.URL != "http://localhost:5000/upload" {
			t.Errorf("upload url = %q", up.URL)
		}
		path, err := l.Verify(up.Fields["token"])
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := wantPaths[path]; !ok {
			t.Errorf("unexpected token path %q", path)
		}
		wantPaths[path] = true
	}
	for p, seen := range wantPaths {
		if !seen {
			t.Errorf("no descriptor for %q", p)
		}
	}
}

func TestPartitionedReadRequiresPartitions(t *testing.T) {
	l := newLocalProvider(t)
	ds := partitionedDS(t, "gql_logs", "./data/logs")
	if _, err := l.Read(context.Background(), Request{Dataset: ds, ExpiresIn: time.Minute}); err == nil {
		t.Error("expected error without partitions")
	}
}

func TestUnsupportedDatasetKind(t *testing.T) {
	l := newLocalProvider(t)
	ds, err := pipeline.NewDataSet("mem", map[string]any{pipeline.ConfigKeyType: engine.TypeMemory})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Read(context.Background(), Request{Dataset: &ds, ExpiresIn: time.Minute}); err == nil {
		t.Error("expected error for memory dataset")
	}
}

func TestAllowLists(t *testing.T) {
	l := newLocalProvider(t)
	tests := []struct {
		path     string
		download bool
		upload   bool
	}{
		{"./data/in.txt", true, false},
		{"./data/uploads/out.txt", true, true},
		{"./data/../etc/passwd", false, false},
		{"/etc/passwd", false, false},
	}
	for _, tt := range tests {
		if got := l.DownloadAllowed(tt.path); got != tt.download {
			t.Errorf("DownloadAllowed(%q) = %v, want %v", tt.path, got, tt.download)
		}
		if got := l.UploadAllowed(tt.path); got != tt.upload {
			t.Errorf("UploadAllowed(%q) = %v, want %v", tt.path, got, tt.upload)
		}
	}
}

func TestNewProviderSelection(t *testing.T) {
	p, err := NewProvider(Config{Provider: ProviderLocal, Secret: "s"})
	if err != nil {
		t.Fatalf("NewProvider(local): %v", err)
	}
	if _, ok := p.(*Local); !ok {
		t.Errorf("provider type = %T", p)
	}
	if _, err := NewProvider(Config{Provider: "ghost", Secret: "s"}); err == nil {
		t.Error("unknown provider accepted")
	}
}
