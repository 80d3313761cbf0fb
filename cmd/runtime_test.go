package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"relctl/internal/store"
)

func withFlags(t *testing.T, descriptor, projectID string, memory bool) {
	t.Helper()
	origDescriptor, origProject, origMemory := flagDescriptor, flagProject, flagMemoryStore
	t.Cleanup(func() {
		flagDescriptor, flagProject, flagMemoryStore = origDescriptor, origProject, origMemory
	})
	flagDescriptor = descriptor
	flagProject = projectID
	flagMemoryStore = memory
}

func writeDescriptor(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projects.yaml")
	text := `
catalogue:
  name: Catalogue
  registry: registry.example.org
  image_repositories:
    - id: api
      services:
        - id: api
`
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadProjectRequiresProjectFlag(t *testing.T) {
	withFlags(t, writeDescriptor(t), "", false)

	if _, err := loadProject(); err == nil {
		t.Error("Expected error when --project is not set")
	}
}

func TestLoadProjectFromDescriptor(t *testing.T) {
	withFlags(t, writeDescriptor(t), "catalogue", false)

	p, err := loadProject()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if p.ID != "catalogue" {
		t.Errorf("Expected project id 'catalogue', got %s", p.ID)
	}
	if p.Registry != "registry.example.org" {
		t.Errorf("Unexpected registry: %s", p.Registry)
	}
}

func TestLoadProjectUnknownID(t *testing.T) {
	withFlags(t, writeDescriptor(t), "nonexistent", false)

	if _, err := loadProject(); err == nil {
		t.Error("Expected error for unknown project id")
	}
}

func TestNewStoreMemory(t *testing.T) {
	withFlags(t, "", "", true)

	st, cleanup, err := newStore(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer cleanup()

	if _, ok := st.(*store.MemoryStore); !ok {
		t.Errorf("Expected a MemoryStore, got %T", st)
	}
}
