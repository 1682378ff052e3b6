package artifact

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/trackrun/trackcore/cache"
	"github.com/trackrun/trackcore/storagepolicy"
)

func TestArtifact_AddFileAndManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	a := New("model", "model", "my-entity", nil, nil, "", nil)
	if err := a.AddFile("model.bin", path); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}

	entry := a.Manifest().GetEntry("model.bin")
	if entry == nil {
		t.Fatal("expected manifest entry for model.bin")
	}
	if entry.Digest == "" {
		t.Error("expected non-empty digest")
	}
	if entry.Size == nil || *entry.Size != int64(len("weights")) {
		t.Errorf("Size = %v, want %d", entry.Size, len("weights"))
	}
}

func TestArtifact_NewFileWriterStagesUnderStagingDir(t *testing.T) {
	a := New("model", "model", "my-entity", nil, nil, "", nil)

	w, err := a.NewFile("config.yaml")
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}
	if _, err := io.WriteString(w, "lr: 0.1\n"); err != nil {
		t.Fatalf("write staged file: %v", err)
	}
	if err := w.(io.Closer).Close(); err != nil {
		t.Fatalf("close staged file: %v", err)
	}

	// NewFile only stages content on disk; the manifest entry isn't
	// created until Finalize walks the staging directory.
	if entry := a.Manifest().GetEntry("config.yaml"); entry != nil {
		t.Error("expected no manifest entry for config.yaml before Finalize")
	}

	staged := filepath.Join(a.stageDir, "config.yaml")
	content, err := os.ReadFile(staged)
	if err != nil {
		t.Fatalf("expected staged file to survive Close: %v", err)
	}
	if string(content) != "lr: 0.1\n" {
		t.Errorf("staged content = %q", content)
	}
}

func TestArtifact_Finalize_NewFileRemapsLocalPathToCache(t *testing.T) {
	// §8.6: create artifact, new_file("f") with contents "hi", finalize();
	// entry's local_path begins with the cache root, not the staging
	// dir, and the file exists.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cacheRoot := t.TempDir()
	c := cache.New(cacheRoot)
	policy := storagepolicy.New(c, nil, nil, srv.URL, storagepolicy.RetryConfig{MaxAttempts: 1, BackoffFactor: 1})

	a := New("run-output", "run-output", "my-entity", nil, policy, "", nil)

	w, err := a.NewFile("f")
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}
	if _, err := io.WriteString(w, "hi"); err != nil {
		t.Fatalf("write staged file: %v", err)
	}
	if err := w.(io.Closer).Close(); err != nil {
		t.Fatalf("close staged file: %v", err)
	}

	stageDir := a.stageDir

	if err := a.Finalize(t.Context(), "birth-1"); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	entry := a.Manifest().GetEntry("f")
	if entry == nil {
		t.Fatal("expected manifest entry for f after Finalize")
	}
	if !strings.HasPrefix(entry.LocalPath, cacheRoot) {
		t.Errorf("LocalPath = %q, want prefix %q", entry.LocalPath, cacheRoot)
	}
	if strings.HasPrefix(entry.LocalPath, stageDir) {
		t.Errorf("LocalPath = %q still points into the removed staging dir %q", entry.LocalPath, stageDir)
	}
	if _, err := os.Stat(entry.LocalPath); err != nil {
		t.Errorf("expected remapped local path to exist: %v", err)
	}
	if _, err := os.Stat(stageDir); !os.IsNotExist(err) {
		t.Errorf("expected staging dir %q to be removed after Finalize", stageDir)
	}
}

func TestArtifact_AddDirAddsEveryFile(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "nested/c.txt"} {
		full := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(name), 0o644); err != nil {
			t.Fatalf("write fixture %s: %v", name, err)
		}
	}

	a := New("dataset", "dataset", "my-entity", nil, nil, "", nil)
	if err := a.AddDir(dir, ""); err != nil {
		t.Fatalf("AddDir failed: %v", err)
	}

	for _, name := range []string{"a.txt", "b.txt", "nested/c.txt"} {
		if entry := a.Manifest().GetEntry(name); entry == nil {
			t.Errorf("expected manifest entry for %s", name)
		}
	}
	if len(a.Manifest().Entries()) != 3 {
		t.Errorf("Entries() len = %d, want 3", len(a.Manifest().Entries()))
	}
}

func TestArtifact_FinalizeUploadsStagedFiles(t *testing.T) {
	var uploaded []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploaded, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.json")
	if err := os.WriteFile(path, []byte(`{"acc":0.9}`), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	c := cache.New(t.TempDir())
	policy := storagepolicy.New(c, nil, nil, srv.URL, storagepolicy.RetryConfig{MaxAttempts: 1, BackoffFactor: 1})

	a := New("run-output", "run-output", "my-entity", nil, policy, "", nil)
	if err := a.AddFile("metrics.json", path); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}

	if err := a.Finalize(t.Context(), "birth-1"); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if string(uploaded) != `{"acc":0.9}` {
		t.Errorf("uploaded body = %q", uploaded)
	}

	entry := a.Manifest().GetEntry("metrics.json")
	if entry.Ref == "" {
		t.Error("expected Ref to be set after Finalize")
	}
	if entry.BirthArtifactID != "birth-1" {
		t.Errorf("BirthArtifactID = %q, want %q", entry.BirthArtifactID, "birth-1")
	}

	// Finalize is idempotent: a second call must not re-upload.
	uploaded = nil
	if err := a.Finalize(t.Context(), "birth-1"); err != nil {
		t.Fatalf("second Finalize failed: %v", err)
	}
	if uploaded != nil {
		t.Error("expected second Finalize to be a no-op")
	}
}
