package telemetry

import (
	"context"
	"testing"
)

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{ServiceName: "pagemill-test", Exporter: "none"}, nil)
	if err != nil {
		t.Fatalf("SetupTracing returned error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
}

func TestSetupTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := SetupTracing(context.Background(), TraceConfig{Exporter: "zipkin"}, nil); err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
	if _, err := SetupTracing(context.Background(), TraceConfig{Exporter: "otlp"}, nil); err == nil {
		t.Fatal("expected error for otlp without endpoint")
	}
}

func TestResourceAttributesIncludeInstance(t *testing.T) {
	attrs := resourceAttributes(TraceConfig{ServiceName: "pagemill-worker", InstanceID: "host-1-abc"})
	if len(attrs) != 2 || attrs[1].Value.AsString() != "host-1-abc" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
	if len(resourceAttributes(TraceConfig{ServiceName: "x"})) != 1 {
		t.Fatal("expected instance id to be omitted when empty")
	}
}
