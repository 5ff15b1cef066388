package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"homeostat/internal/config"
	"homeostat/internal/contenttype"
	"homeostat/internal/engine"
	"homeostat/internal/regulator"
)

func TestOpenWiresSQLiteWorkspace(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	a, err := Open(ctx, t.TempDir(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	if a.Regulator.Gateway != nil {
		t.Fatalf("no token configured, expected nil gateway")
	}
	if a.Regulator.Options.RunnerUserID != "system:regulator" {
		t.Fatalf("unexpected runner %q", a.Regulator.Options.RunnerUserID)
	}
	if _, err := a.Regulator.RunCycle(ctx); !errors.Is(err, regulator.ErrNoBoundaries) {
		t.Fatalf("empty workspace should have no boundaries, got %v", err)
	}

	o, _, err := a.Engine.CreateOrganism(ctx, engine.CreateOrganismOptions{
		Name:          "note",
		ContentTypeID: contenttype.TypeText,
		Payload:       json.RawMessage(`{"content":"hi"}`),
		ActorID:       "alice",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := a.Engine.GetOrganism(ctx, o.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
}

func TestOpenUsesGitHubToken(t *testing.T) {
	cfg := config.Default()
	cfg.GitHub.Token = "token"
	a, err := Open(context.Background(), t.TempDir(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Regulator.Gateway == nil {
		t.Fatalf("expected a configured gateway")
	}
}
