package telemetry

import (
	"context"
	"testing"
)

func TestSetupNoopWithoutEndpoint(t *testing.T) {
	t.Setenv(EnvEndpoint, "")
	t.Setenv(EnvEnabled, "")

	shutdown, err := Setup(context.Background(), "offline-worker", "test")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("Noop shutdown failed: %v", err)
	}
}

func TestSetupDisabled(t *testing.T) {
	t.Setenv(EnvEndpoint, "http://192.0.2.1:4318")
	t.Setenv(EnvEnabled, "false")

	shutdown, err := Setup(context.Background(), "offline-worker", "test")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestSetupWithEndpoint(t *testing.T) {
	// non-routable, nothing is exported
	t.Setenv(EnvEndpoint, "http://192.0.2.1:4318")
	t.Setenv(EnvEnabled, "")

	shutdown, err := Setup(context.Background(), "offline-worker", "test")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}
