package telemetry

import (
	"context"
	"testing"
)

func TestInitNoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "valet")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStartRequestSpanDoesNotPanicWithoutEndpoint(t *testing.T) {
	ctx, span := StartRequestSpan(context.Background(), "tools/call", "fs_read")
	defer span.End()
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
}
