package telemetry

import (
	"context"
	"testing"
)

func TestInit_NoEndpoint(t *testing.T) {
	t.Setenv(EndpointEnv, "")

	shutdown, err := Init(context.Background(), "test-service", "v0.0.1")
	if err != nil {
		t.Fatalf("Init() with no endpoint should not error, got: %v", err)
	}

	// Calling shutdown multiple times should be safe
	shutdown(context.Background())
	shutdown(context.Background())
}

func TestBuildResource(t *testing.T) {
	res, err := buildResource(context.Background(), "intercon-broker", "v1.2.3")
	if err != nil {
		t.Fatalf("buildResource: %v", err)
	}

	found := map[string]string{}
	for _, kv := range res.Attributes() {
		found[string(kv.Key)] = kv.Value.Emit()
	}
	if found["service.name"] != "intercon-broker" {
		t.Errorf("service.name = %q", found["service.name"])
	}
	if found["service.version"] != "v1.2.3" {
		t.Errorf("service.version = %q", found["service.version"])
	}
}
