package tool

import (
	"errors"
	"strings"
	"testing"
)

const validManifestJSON = `{
  "schema_version": "v1",
  "display_name": "Weather",
  "namespace": "weather",
  "auth": {"type": "service_http", "authorization_type": "bearer", "verification_tokens": {"app": "tok"}},
  "api": {"type": "openapi", "url": "/openapi.json"},
  "contact_email": "ops@example.com",
  "health_check": "/healthz",
  "rate_limiter": {"max_requests": 10, "window_ms": 1000}
}`

func TestParseManifestJSONAndYAML(t *testing.T) {
	m, err := ParseManifest([]byte(validManifestJSON))
	if err != nil {
		t.Fatalf("ParseManifest(json) error = %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if m.RateLimiter == nil || m.RateLimiter.MaxRequests != 10 {
		t.Fatalf("RateLimiter = %+v", m.RateLimiter)
	}
	if tok, ok := m.Auth.BearerToken("app"); !ok || tok != "tok" {
		t.Fatalf("BearerToken() = %q, %v", tok, ok)
	}

	yamlDoc := `
schema_version: v1
display_name: Weather
namespace: weather
auth:
  type: none
api:
  type: openapi
  url: https://api.example.com/spec.yaml
`
	m, err = ParseManifest([]byte(yamlDoc))
	if err != nil {
		t.Fatalf("ParseManifest(yaml) error = %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if m.API.URL != "https://api.example.com/spec.yaml" {
		t.Fatalf("API.URL = %q", m.API.URL)
	}
}

func TestManifestValidateRejects(t *testing.T) {
	base := func() Manifest {
		m, err := ParseManifest([]byte(validManifestJSON))
		if err != nil {
			t.Fatalf("ParseManifest() error = %v", err)
		}
		return m
	}

	tests := []struct {
		name   string
		mutate func(*Manifest)
		field  string
	}{
		{"missing display name", func(m *Manifest) { m.DisplayName = "" }, "display_name"},
		{"bad schema version", func(m *Manifest) { m.SchemaVersion = "v2" }, "schema_version"},
		{"missing namespace", func(m *Manifest) { m.Namespace = "" }, "namespace"},
		{"reserved namespace", func(m *Manifest) { m.Namespace = "system" }, "namespace"},
		{"double underscore", func(m *Manifest) { m.Namespace = "a__b" }, "namespace"},
		{"bad characters", func(m *Manifest) { m.Namespace = "a-b" }, "namespace"},
		{"missing auth", func(m *Manifest) { m.Auth = nil }, "auth"},
		{"bad auth type", func(m *Manifest) { m.Auth.Type = "oauth" }, "auth.type"},
		{"missing api", func(m *Manifest) { m.API = nil }, "api"},
		{"bad api type", func(m *Manifest) { m.API.Type = "grpc" }, "api.type"},
		{"missing api url", func(m *Manifest) { m.API.URL = "" }, "api.url"},
		{"triggers without endpoints", func(m *Manifest) {
			m.Triggers = []ManifestTrigger{{Type: "webhook"}}
		}, "triggerEndpoints"},
		{"credentials without key", func(m *Manifest) {
			m.Credentials = []ManifestCredential{{Name: "key", Type: CredentialAKSK}}
		}, "credentialEncryptKey"},
		{"log endpoint without task id", func(m *Manifest) { m.LogEndpoint = "/logs" }, "logEndpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(&m)
			err := m.Validate()
			var v *ValidationError
			if !errors.As(err, &v) {
				t.Fatalf("Validate() error = %v, want ValidationError", err)
			}
			if v.Field != tt.field {
				t.Fatalf("Field = %q, want %q", v.Field, tt.field)
			}
		})
	}
}

func TestManifestTriggerEndpointsComplete(t *testing.T) {
	m, _ := ParseManifest([]byte(validManifestJSON))
	m.Triggers = []ManifestTrigger{{Type: "webhook", DisplayName: "Webhook"}}
	m.TriggerEndpoints = []TriggerEndpoint{
		{Type: "create", URL: "/t", Method: "POST"},
		{Type: "update", URL: "/t", Method: "PUT"},
	}
	if err := m.Validate(); err == nil || !strings.Contains(err.Error(), "delete") {
		t.Fatalf("Validate() error = %v, want missing delete endpoint", err)
	}
	m.TriggerEndpoints = append(m.TriggerEndpoints, TriggerEndpoint{Type: "delete", URL: "/t", Method: "DELETE"})
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestResolveSpecURL(t *testing.T) {
	m, _ := ParseManifest([]byte(validManifestJSON))

	spec, base, err := m.ResolveSpecURL("https://tools.example.com/weather/manifest.json")
	if err != nil {
		t.Fatalf("ResolveSpecURL() error = %v", err)
	}
	if spec != "https://tools.example.com/openapi.json" {
		t.Fatalf("spec = %q", spec)
	}
	if base != "https://tools.example.com" {
		t.Fatalf("base = %q", base)
	}

	m.API.URL = "http://api.internal:8080/v1/openapi.yaml"
	spec, base, err = m.ResolveSpecURL("https://tools.example.com/manifest.json")
	if err != nil {
		t.Fatalf("ResolveSpecURL() error = %v", err)
	}
	if spec != "http://api.internal:8080/v1/openapi.yaml" || base != "http://api.internal:8080" {
		t.Fatalf("spec, base = %q, %q", spec, base)
	}

	m.API.URL = "/openapi.json"
	if _, _, err := m.ResolveSpecURL("manifest.json"); err == nil {
		t.Fatal("relative spec with relative manifest url should fail")
	}
}

func TestParseManifestGarbage(t *testing.T) {
	for _, doc := range []string{"", "   ", "{not json", ":\n  - ["} {
		if _, err := ParseManifest([]byte(doc)); err == nil {
			t.Errorf("ParseManifest(%q) error = nil, want error", doc)
		}
	}
}
