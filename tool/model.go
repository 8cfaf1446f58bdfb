package tool

import (
	"strings"
	"time"
)

// HealthStatus is the last observed health of a tool server.
type HealthStatus string

const (
	HealthUnknown HealthStatus = "UNKNOWN"
	HealthUp      HealthStatus = "UP"
	HealthDown    HealthStatus = "DOWN"
)

// AuthType selects how the relay authenticates to a tool server.
type AuthType string

const (
	AuthNone        AuthType = "none"
	AuthServiceHTTP AuthType = "service_http"
)

// ParamLocation is where an input property is placed on the outbound request.
type ParamLocation string

const (
	LocationQuery ParamLocation = "QUERY"
	LocationPath  ParamLocation = "PATH"
	LocationBody  ParamLocation = "BODY"
)

// ParseParamLocation accepts OpenAPI "in" values and grammar prefixes alike.
func ParseParamLocation(value string) (ParamLocation, bool) {
	switch ParamLocation(strings.ToUpper(strings.TrimSpace(value))) {
	case LocationQuery:
		return LocationQuery, true
	case LocationPath:
		return LocationPath, true
	case LocationBody:
		return LocationBody, true
	default:
		return "", false
	}
}

// Auth describes the credentials a tool server expects from the relay.
type Auth struct {
	Type               AuthType          `json:"type" yaml:"type"`
	AuthorizationType  string            `json:"authorization_type,omitempty" yaml:"authorization_type,omitempty"`
	VerificationTokens map[string]string `json:"verification_tokens,omitempty" yaml:"verification_tokens,omitempty"`
}

// BearerToken returns the verification token issued for appID, if any.
func (a Auth) BearerToken(appID string) (string, bool) {
	if a.Type != AuthServiceHTTP {
		return "", false
	}
	token, ok := a.VerificationTokens[appID]
	if !ok || strings.TrimSpace(token) == "" {
		return "", false
	}
	return token, true
}

// RateLimit caps calls the relay makes to one tool server.
type RateLimit struct {
	MaxRequests int   `json:"max_requests" yaml:"max_requests"`
	WindowMS    int64 `json:"window_ms" yaml:"window_ms"`
}

// Window returns the limit window as a duration.
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowMS) * time.Millisecond
}

// Enabled reports whether the server declared a usable limit.
func (r RateLimit) Enabled() bool {
	return r.MaxRequests > 0 && r.WindowMS > 0
}

// TriggerEndpoint is a tool-server callback used to manage triggers.
type TriggerEndpoint struct {
	Type   string `json:"type" yaml:"type"`
	URL    string `json:"url" yaml:"url"`
	Method string `json:"method" yaml:"method"`
}

// ToolServer is one registered tool server. Namespace is its identity.
type ToolServer struct {
	ID                   string            `json:"id"`
	Namespace            string            `json:"namespace"`
	DisplayName          string            `json:"display_name"`
	Description          string            `json:"description,omitempty"`
	BaseURL              string            `json:"base_url"`
	ManifestURL          string            `json:"manifest_url"`
	SpecURL              string            `json:"spec_url,omitempty"`
	SchemaVersion        string            `json:"schema_version"`
	Auth                 Auth              `json:"auth"`
	HealthCheck          string            `json:"health_check,omitempty"`
	HealthStatus         HealthStatus      `json:"health_status"`
	LastHealthCheck      time.Time         `json:"last_health_check,omitempty"`
	RateLimit            *RateLimit        `json:"rate_limit,omitempty"`
	TriggerEndpoints     []TriggerEndpoint `json:"trigger_endpoints,omitempty"`
	CredentialEncryptKey string            `json:"credential_encrypt_key,omitempty"`
	ContactEmail         string            `json:"contact_email,omitempty"`
	LogEndpoint          string            `json:"log_endpoint,omitempty"`
	IsDeleted            bool              `json:"is_deleted"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// HealthURL resolves the server's health endpoint, which may be relative to
// BaseURL. It returns "" when none is declared.
func (s ToolServer) HealthURL() string {
	check := strings.TrimSpace(s.HealthCheck)
	if check == "" {
		return ""
	}
	if strings.HasPrefix(check, "http://") || strings.HasPrefix(check, "https://") {
		return check
	}
	return strings.TrimRight(s.BaseURL, "/") + "/" + strings.TrimLeft(check, "/")
}

// Property is one input or output field of a tool definition.
type Property struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"displayName,omitempty"`
	Type        string        `json:"type"`
	In          ParamLocation `json:"in,omitempty"`
	Required    bool          `json:"required,omitempty"`
	Description string        `json:"description,omitempty"`
	Placeholder any           `json:"placeholder,omitempty"`
	Default     any           `json:"default,omitempty"`
	Options     []Option      `json:"options,omitempty"`
	Children    []Property    `json:"children,omitempty"`
}

// Option is one allowed value of an enumerated property.
type Option struct {
	Name  any `json:"name"`
	Value any `json:"value"`
}

// CredentialRef names a credential type a tool accepts.
type CredentialRef struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
}

// APIInfo is the HTTP operation a tool definition was generated from.
type APIInfo struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// ToolDefinition is one callable operation of a tool server. Name is the
// dispatch name {namespace}__{METHOD}__{pathTemplate}.
type ToolDefinition struct {
	ID            string          `json:"id"`
	Namespace     string          `json:"namespace"`
	Name          string          `json:"name"`
	DisplayName   string          `json:"display_name"`
	Description   string          `json:"description,omitempty"`
	Categories    []string        `json:"categories,omitempty"`
	Icon          string          `json:"icon,omitempty"`
	Credentials   []CredentialRef `json:"credentials,omitempty"`
	Input         []Property      `json:"input,omitempty"`
	Output        []Property      `json:"output,omitempty"`
	Rules         map[string]any  `json:"rules,omitempty"`
	Extra         map[string]any  `json:"extra,omitempty"`
	APIInfo       APIInfo         `json:"api_info"`
	Public        bool            `json:"public"`
	CreatorUserID string          `json:"creator_user_id,omitempty"`
	TeamID        string          `json:"team_id,omitempty"`
	IsDeleted     bool            `json:"is_deleted"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CredentialKind is the protocol a credential type follows.
type CredentialKind string

const (
	CredentialAKSK   CredentialKind = "AKSK"
	CredentialOAuth2 CredentialKind = "OAUTH2"
)

// CredentialType is a credential schema declared by a tool server manifest.
type CredentialType struct {
	ID          string         `json:"id"`
	Namespace   string         `json:"namespace"`
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName"`
	Description string         `json:"description,omitempty"`
	IconURL     string         `json:"iconUrl,omitempty"`
	Type        CredentialKind `json:"type"`
	Properties  []Property     `json:"properties,omitempty"`
	IsDeleted   bool           `json:"is_deleted"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TriggerType is a workflow trigger declared by a tool server manifest.
type TriggerType struct {
	ID             string     `json:"id"`
	Namespace      string     `json:"namespace"`
	Type           string     `json:"type"`
	DisplayName    string     `json:"displayName"`
	Icon           string     `json:"icon,omitempty"`
	Description    string     `json:"description,omitempty"`
	Properties     []Property `json:"properties,omitempty"`
	WorkflowInputs []Property `json:"workflowInputs,omitempty"`
	IsDeleted      bool       `json:"is_deleted"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Credential is tenant data. Data always holds vault ciphertext.
type Credential struct {
	ID          string    `json:"id"`
	TeamID      string    `json:"team_id"`
	CreatorID   string    `json:"creator_user_id,omitempty"`
	Type        string    `json:"type"`
	DisplayName string    `json:"display_name"`
	Data        string    `json:"data"`
	IsDeleted   bool      `json:"is_deleted"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
