package settings

import (
	"errors"
	"path/filepath"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestLoadDefaultsWhenEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	def := Settings{Bitrate: 500000, ActiveProtocol: "builtin:Generic BMS"}
	got, err := s.Load(def)
	if err != nil {
		t.Fatal(err)
	}
	if got != def {
		t.Fatalf("got %+v", got)
	}
	if got.Logging() {
		t.Fatal("logging should default off")
	}
}

func TestSaveOverridesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	def := Settings{Bitrate: 500000, PingIntervalMS: 1000, LoggingEnabled: boolPtr(true)}
	if _, err := s.Update(def, func(v *Settings) {
		v.Bitrate = 250000
		v.LoggingEnabled = boolPtr(false)
	}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.Load(def)
	if err != nil {
		t.Fatal(err)
	}
	if got.Bitrate != 250000 || got.Logging() || got.PingIntervalMS != 1000 {
		t.Fatalf("got %+v", got)
	}
}

func TestClosedStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	if err := s.Save(Settings{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}
