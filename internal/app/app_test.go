package app

import (
	"context"
	"testing"

	"github.com/koopa0/paperbase/internal/config"
	"github.com/koopa0/paperbase/internal/log"
)

func TestCloseWithNilFields(t *testing.T) {
	a := &App{}
	if err := a.Close(); err != nil {
		t.Errorf("Close() on empty App = %v, want nil", err)
	}
}

func TestSetupRejectsNilConfig(t *testing.T) {
	_, err := Setup(context.Background(), nil, log.NewNop())
	if err == nil {
		t.Fatal("Setup(nil config) = nil, want error")
	}
}

func TestOtelShutdownDisabled(t *testing.T) {
	cfg := &config.Config{Tracing: config.TracingConfig{Enabled: false}}
	cleanup := provideOtelShutdown(context.Background(), cfg, log.NewNop())
	if cleanup == nil {
		t.Fatal("provideOtelShutdown returned nil cleanup")
	}
	cleanup() // must be a no-op, not a panic
}

func TestProvideStoresRequiresBackend(t *testing.T) {
	cfg := &config.Config{Backend: "nonsense"}
	_, _, _, err := provideStores(context.Background(), cfg, nil, log.NewNop())
	if err == nil {
		t.Fatal("provideStores with no backend = nil, want error")
	}
}

func TestProvideStoresFileOnly(t *testing.T) {
	cfg := &config.Config{
		Backend: config.BackendFile,
		DataDir: t.TempDir(),
	}

	stores, source, orgID, err := provideStores(context.Background(), cfg, nil, log.NewNop())
	if err != nil {
		t.Fatalf("provideStores: %v", err)
	}
	if len(stores) != 1 {
		t.Errorf("got %d stores, want 1", len(stores))
	}
	if source == nil {
		t.Error("candidate source is nil")
	}
	if orgID != defaultOrgID {
		t.Errorf("orgID = %s, want fixed default org", orgID)
	}
}
