package protocol

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	l := NewLoader(filepath.Join(t.TempDir(), "protocols"), logger)
	if err := l.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return l
}

func TestLoaderSaveLoadListDelete(t *testing.T) {
	l := newTestLoader(t)
	d, _ := Builtin(BuiltinDPower48V13S)

	if err := l.SaveFile("dpower", d); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	loaded, err := l.LoadFile("dpower.json")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.Name != d.Name || loaded.Messages.Len() != 3 {
		t.Errorf("loaded = %s with %d messages", loaded.Name, loaded.Messages.Len())
	}

	infos, err := l.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 || infos[0].Filename != "dpower.json" || infos[0].Manufacturer != "D-power" || infos[0].Size == 0 {
		t.Errorf("List = %+v", infos)
	}

	if err := l.Delete("dpower"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := l.Delete("dpower"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
	if !strings.Contains(l.LastError(), "does not exist") {
		t.Errorf("LastError = %q", l.LastError())
	}
}

func TestLoaderRejectsInvalidSave(t *testing.T) {
	l := newTestLoader(t)
	d := &Definition{Name: "broken"}
	if err := l.SaveFile("broken", d); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := os.Stat(filepath.Join(l.Dir(), "broken.json")); !os.IsNotExist(err) {
		t.Error("invalid definition written to disk")
	}
	if l.LastError() == "" {
		t.Error("LastError not recorded")
	}
}

func TestLoaderSaveCreatesDirectory(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	l := NewLoader(filepath.Join(t.TempDir(), "nested", "protocols"), logger)

	d, _ := Builtin(BuiltinGenericBMS)
	if err := l.SaveFile("generic", d); err != nil {
		t.Fatalf("SaveFile without Init: %v", err)
	}
	if _, err := l.LoadFile("generic.json"); err != nil {
		t.Errorf("LoadFile: %v", err)
	}
}

func TestLoaderStorageErrors(t *testing.T) {
	blocked := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	l := NewLoader(blocked, logger)

	d, _ := Builtin(BuiltinGenericBMS)
	if err := l.SaveFile("generic", d); !errors.Is(err, ErrStorage) {
		t.Errorf("SaveFile = %v, want ErrStorage", err)
	}
	if _, _, err := l.Upload([]byte(dpowerJSON)); !errors.Is(err, ErrStorage) {
		t.Errorf("Upload = %v, want ErrStorage", err)
	}
}

func TestLoaderRejectsPathTraversal(t *testing.T) {
	l := newTestLoader(t)
	for _, name := range []string{"../evil", "a/b", ".hidden", ""} {
		if _, err := l.LoadFile(name); err == nil {
			t.Errorf("LoadFile(%q) succeeded", name)
		}
	}
}

func TestLoaderDocumentSizeLimit(t *testing.T) {
	l := newTestLoader(t)
	doc := `{"name": "` + strings.Repeat("x", MaxDocumentSize) + `"}`
	if _, err := l.LoadString(doc); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestLoaderUploadNaming(t *testing.T) {
	l := newTestLoader(t)
	for i, want := range []string{"custom_0.json", "custom_1.json"} {
		name, d, err := l.Upload([]byte(dpowerJSON))
		if err != nil {
			t.Fatalf("Upload %d: %v", i, err)
		}
		if name != want || d.Name != "Pack 13S" {
			t.Errorf("Upload %d = %s (%s), want %s", i, name, d.Name, want)
		}
	}
}

func TestLoaderFetchFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/good.json":
			io.WriteString(w, dpowerJSON)
		case "/invalid.json":
			io.WriteString(w, `{"name": "bad", "messages": [{"can_id": 1, "fields": [{"name": "a", "data_type": "uint8", "byte_offset": 9}]}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	l := newTestLoader(t)
	ctx := context.Background()

	name, d, err := l.FetchFromURL(ctx, srv.URL+"/good.json", "remote")
	if err != nil {
		t.Fatalf("FetchFromURL: %v", err)
	}
	if name != "remote.json" || d.Name != "Pack 13S" {
		t.Errorf("fetched %s / %s", name, d.Name)
	}
	if _, err := l.LoadFile("remote"); err != nil {
		t.Errorf("fetched definition not persisted: %v", err)
	}

	if _, _, err := l.FetchFromURL(ctx, srv.URL+"/invalid.json", "invalid"); err == nil {
		t.Fatal("invalid fetched definition accepted")
	}
	if _, err := os.Stat(filepath.Join(l.Dir(), "invalid.json")); !os.IsNotExist(err) {
		t.Error("invalid fetched definition written to storage")
	}

	if _, _, err := l.FetchFromURL(ctx, srv.URL+"/missing.json", ""); !errors.Is(err, ErrFetch) {
		t.Errorf("404 fetch = %v, want ErrFetch", err)
	}
	if !strings.Contains(l.LastError(), "404") {
		t.Errorf("LastError = %q", l.LastError())
	}
}

func TestLoaderResolve(t *testing.T) {
	l := newTestLoader(t)
	if d, err := l.Resolve("builtin:" + BuiltinGenericBMS); err != nil || d.Name != BuiltinGenericBMS {
		t.Errorf("Resolve builtin = %v, %v", d, err)
	}
	if _, err := l.Resolve("builtin:nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve unknown builtin = %v", err)
	}

	d, _ := Builtin(BuiltinGenericBMS)
	l.SaveFile("mine", d)
	if _, err := l.Resolve("custom:mine.json"); err != nil {
		t.Errorf("Resolve custom: %v", err)
	}
	if _, err := l.Resolve("ftp:mine"); err == nil {
		t.Error("unknown source accepted")
	}
}
