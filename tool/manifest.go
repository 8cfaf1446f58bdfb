package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchemaVersionV1 is the only manifest schema version accepted.
const SchemaVersionV1 = "v1"

// APITypeOpenAPI is the only supported tool-listing format.
const APITypeOpenAPI = "openapi"

// SystemNamespace is reserved for built-in tools.
const SystemNamespace = "system"

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// requiredTriggerEndpoints must all be declared when a manifest has triggers.
var requiredTriggerEndpoints = []string{"create", "update", "delete"}

// Manifest is the remote document a tool server publishes about itself.
type Manifest struct {
	SchemaVersion        string               `json:"schema_version"`
	DisplayName          string               `json:"display_name"`
	Namespace            string               `json:"namespace"`
	Description          string               `json:"description,omitempty"`
	Auth                 *Auth                `json:"auth"`
	API                  *APISpec             `json:"api"`
	ContactEmail         string               `json:"contact_email,omitempty"`
	HealthCheck          string               `json:"health_check,omitempty"`
	RateLimiter          *RateLimit           `json:"rate_limiter,omitempty"`
	TriggerEndpoints     []TriggerEndpoint    `json:"triggerEndpoints,omitempty"`
	Triggers             []ManifestTrigger    `json:"triggers,omitempty"`
	Credentials          []ManifestCredential `json:"credentials,omitempty"`
	CredentialEncryptKey string               `json:"credentialEncryptKey,omitempty"`
	LogEndpoint          string               `json:"logEndpoint,omitempty"`
}

// APISpec points at the tool listing of a server.
type APISpec struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// ManifestTrigger declares one trigger type.
type ManifestTrigger struct {
	Type           string     `json:"type"`
	DisplayName    string     `json:"displayName"`
	Description    string     `json:"description,omitempty"`
	Icon           string     `json:"icon,omitempty"`
	Properties     []Property `json:"properties,omitempty"`
	WorkflowInputs []Property `json:"workflowInputs,omitempty"`
}

// ManifestCredential declares one credential type.
type ManifestCredential struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName"`
	Description string         `json:"description,omitempty"`
	IconURL     string         `json:"iconUrl,omitempty"`
	Type        CredentialKind `json:"type"`
	Properties  []Property     `json:"properties,omitempty"`
}

// ParseManifest decodes a JSON or YAML manifest document. It does not
// validate; call Validate before using the result.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := decodeDocument(data, &m); err != nil {
		return Manifest{}, &ValidationError{Reason: err.Error()}
	}
	return m, nil
}

// decodeDocument unmarshals JSON, falling back to YAML routed through JSON
// so only json tags are needed on the target.
func decodeDocument(data []byte, out any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("document is empty")
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, out); err != nil {
			return fmt.Errorf("decode json: %w", err)
		}
		return nil
	}

	var generic any
	if err := yaml.Unmarshal(trimmed, &generic); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("convert yaml: %w", err)
	}
	if err := json.Unmarshal(asJSON, out); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// Validate checks every rule a manifest must satisfy before registration.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.DisplayName) == "" {
		return newValidationError("display_name", "is missing")
	}
	if strings.TrimSpace(m.SchemaVersion) == "" {
		return newValidationError("schema_version", "is missing")
	}
	if m.SchemaVersion != SchemaVersionV1 {
		return newValidationError("schema_version", "%q is not supported, want %q", m.SchemaVersion, SchemaVersionV1)
	}
	if err := ValidateNamespace(m.Namespace); err != nil {
		return err
	}
	if m.Auth == nil {
		return newValidationError("auth", "is missing")
	}
	switch m.Auth.Type {
	case AuthNone, AuthServiceHTTP:
	default:
		return newValidationError("auth.type", "%q must be one of %s,%s", m.Auth.Type, AuthNone, AuthServiceHTTP)
	}
	if m.API == nil {
		return newValidationError("api", "is missing")
	}
	if m.API.Type != APITypeOpenAPI {
		return newValidationError("api.type", "%q must be %s", m.API.Type, APITypeOpenAPI)
	}
	if strings.TrimSpace(m.API.URL) == "" {
		return newValidationError("api.url", "is missing")
	}
	if len(m.Triggers) > 0 {
		if err := validateTriggerEndpoints(m.TriggerEndpoints); err != nil {
			return err
		}
	}
	if len(m.Credentials) > 0 && strings.TrimSpace(m.CredentialEncryptKey) == "" {
		return newValidationError("credentialEncryptKey", "is required when credentials are declared")
	}
	if m.LogEndpoint != "" && !strings.Contains(m.LogEndpoint, "{taskId}") {
		return newValidationError("logEndpoint", "must include {taskId}")
	}
	if m.RateLimiter != nil && (m.RateLimiter.MaxRequests < 0 || m.RateLimiter.WindowMS < 0) {
		return newValidationError("rate_limiter", "values must not be negative")
	}
	return nil
}

// ValidateNamespace enforces the namespace character set: letters, digits and
// single underscores. Double underscores separate dispatch-name segments.
func ValidateNamespace(namespace string) error {
	switch {
	case strings.TrimSpace(namespace) == "":
		return newValidationError("namespace", "is missing")
	case namespace == SystemNamespace:
		return newValidationError("namespace", "%q is reserved", namespace)
	case !namespacePattern.MatchString(namespace) || strings.Contains(namespace, "__"):
		return newValidationError("namespace", "%q may only contain letters, digits and single underscores", namespace)
	}
	return nil
}

func validateTriggerEndpoints(endpoints []TriggerEndpoint) error {
	for _, want := range requiredTriggerEndpoints {
		idx := slices.IndexFunc(endpoints, func(e TriggerEndpoint) bool { return e.Type == want })
		if idx < 0 {
			return newValidationError("triggerEndpoints", "%s endpoint is missing", want)
		}
		if strings.TrimSpace(endpoints[idx].URL) == "" {
			return newValidationError("triggerEndpoints", "%s url is missing", want)
		}
		if strings.TrimSpace(endpoints[idx].Method) == "" {
			return newValidationError("triggerEndpoints", "%s method is missing", want)
		}
	}
	return nil
}

// resolveSpecURL checks a standalone OpenAPI document URL and returns it
// with the server base URL (its scheme and host).
func resolveSpecURL(raw string) (specURL, baseURL string, err error) {
	if raw == "" {
		return "", "", newValidationError("openapi_spec_url", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", newValidationError("openapi_spec_url", "%v", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", newValidationError("openapi_spec_url", "%q is not an absolute http(s) url", raw)
	}
	return u.String(), u.Scheme + "://" + u.Host, nil
}

// ResolveSpecURL returns the absolute tool-listing URL and the server base
// URL (scheme and host of the listing). Relative listing URLs resolve
// against the manifest's scheme and host.
func (m Manifest) ResolveSpecURL(manifestURL string) (specURL, baseURL string, err error) {
	if m.API == nil {
		return "", "", newValidationError("api", "is missing")
	}
	ref, err := url.Parse(strings.TrimSpace(m.API.URL))
	if err != nil {
		return "", "", newValidationError("api.url", "%v", err)
	}

	if !ref.IsAbs() {
		base, err := url.Parse(manifestURL)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return "", "", newValidationError("api.url", "relative url %q needs an absolute manifest url", m.API.URL)
		}
		root := &url.URL{Scheme: base.Scheme, Host: base.Host}
		ref = root.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", "", newValidationError("api.url", "scheme %q is not http(s)", ref.Scheme)
	}
	return ref.String(), ref.Scheme + "://" + ref.Host, nil
}
