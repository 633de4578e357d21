package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/picvault/picvault/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.Telemetry{}, "test", discardLogger())
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("shutdown func must be non-nil when disabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestSetupUnsupportedProtocol(t *testing.T) {
	cfg := config.Telemetry{Enabled: true, Protocol: "carrier-pigeon"}
	if _, err := Setup(context.Background(), cfg, "test", discardLogger()); err == nil ||
		!strings.Contains(err.Error(), "unsupported telemetry protocol") {
		t.Errorf("Setup() error = %v, want unsupported protocol", err)
	}
}

func TestProtocolDefault(t *testing.T) {
	if got := protocol(config.Telemetry{}); got != "grpc" {
		t.Errorf("protocol() = %q, want grpc", got)
	}
	if got := protocol(config.Telemetry{Protocol: "http"}); got != "http" {
		t.Errorf("protocol() = %q, want http", got)
	}
}
