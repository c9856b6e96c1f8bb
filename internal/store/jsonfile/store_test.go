package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ds2openai/internal/apikey"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope", "keys.json"))
	keys, err := s.Load(context.Background())
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected empty load, got %v err=%v", keys, err)
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "api_keys.json")
	s := New(path)
	now := time.Now().UTC().Truncate(time.Second)
	in := []apikey.APIKey{{
		ID:        "dsk-1",
		Name:      "team",
		CreatedAt: now,
		Active:    true,
		Accounts:  []apikey.Binding{{Email: "a@example.com", Password: "pw", Token: "t", AddedAt: now}},
	}}
	if err := s.Save(context.Background(), in); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected file written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
	out, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 1 || out[0].ID != "dsk-1" || len(out[0].Accounts) != 1 || out[0].Accounts[0].Token != "t" {
		t.Fatalf("unexpected round trip %#v", out)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected no temp files left, got %d entries", len(entries))
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_keys.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path).Load(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}
