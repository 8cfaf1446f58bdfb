package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/petal-labs/toolrelay/bus"
	"github.com/petal-labs/toolrelay/cache"
	"github.com/petal-labs/toolrelay/vault"
)

const (
	defaultFetchTimeout     = 30 * time.Second
	defaultFetchRate        = 5
	defaultMaxDocumentBytes = 10 << 20
	errorBodySnippetBytes   = 512

	// HeaderAppID identifies the calling relay application to tool servers.
	HeaderAppID = "x-toolrelay-appid"
)

// RegistryConfig configures a manifest registry.
type RegistryConfig struct {
	Store Store
	// Vault encrypts per-server credential keys. Required only when a
	// manifest declares credentialEncryptKey.
	Vault *vault.Vault
	// Cache records reconciled namespaces. Optional.
	Cache cache.Cache
	// Bus announces reconciled namespaces. Optional.
	Bus   bus.Bus
	AppID string

	HTTPClient *http.Client
	// FetchTimeout bounds each manifest or spec fetch (default: 30s).
	FetchTimeout time.Duration
	// FetchRate paces outbound document fetches per second (default: 5).
	FetchRate float64
	// MaxDocumentBytes caps fetched documents (default: 10 MiB).
	MaxDocumentBytes int64

	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

// ImportType selects how a tool server is registered.
type ImportType string

const (
	// ImportManifest registers a server from its remote manifest.
	ImportManifest ImportType = "manifest"
	// ImportOpenAPISpec registers a namespace straight from an OpenAPI
	// document. The server gets no auth, credentials or triggers.
	ImportOpenAPISpec ImportType = "openapiSpec"
)

// ServerDescriptor locates one tool server. An empty ImportType means
// ImportManifest.
type ServerDescriptor struct {
	ImportType  ImportType `json:"import_type,omitempty" yaml:"import_type,omitempty"`
	ManifestURL string     `json:"manifest_url,omitempty" yaml:"manifest_url,omitempty"`
	// Namespace and OpenAPISpecURL are read by ImportOpenAPISpec only.
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	OpenAPISpecURL string `json:"openapi_spec_url,omitempty" yaml:"openapi_spec_url,omitempty"`
}

// Type returns the effective import type.
func (d ServerDescriptor) Type() ImportType {
	if d.ImportType == "" {
		return ImportManifest
	}
	return d.ImportType
}

// Source returns the URL the descriptor is fetched from.
func (d ServerDescriptor) Source() string {
	if d.Type() == ImportOpenAPISpec {
		return strings.TrimSpace(d.OpenAPISpecURL)
	}
	return strings.TrimSpace(d.ManifestURL)
}

// key identifies a descriptor for de-duplication.
func (d ServerDescriptor) key() string {
	if d.Type() == ImportOpenAPISpec {
		return string(ImportOpenAPISpec) + ":" + strings.TrimSpace(d.Namespace) + ":" + d.Source()
	}
	return d.Source()
}

// RegisterOptions stamps ownership onto registered tool definitions.
type RegisterOptions struct {
	CreatorUserID string
	TeamID        string
	Private       bool
}

// RegisterResult summarizes one successful reconciliation.
type RegisterResult struct {
	Namespace       string      `json:"namespace"`
	ServerID        string      `json:"server_id"`
	ManifestURL     string      `json:"manifest_url,omitempty"`
	SpecURL         string      `json:"spec_url,omitempty"`
	Tools           DiffSummary `json:"tools"`
	CredentialTypes DiffSummary `json:"credential_types"`
	TriggerTypes    DiffSummary `json:"trigger_types"`
}

// SourceError records a source that failed inside a batch.
type SourceError struct {
	Source string `json:"source"`
	Err    error  `json:"-"`
}

func (e SourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

// BatchResult tallies a batch registration.
type BatchResult struct {
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Results   []RegisterResult `json:"results,omitempty"`
	Errors    []SourceError    `json:"-"`
}

// Registry fetches manifests and converges persisted state to them.
type Registry struct {
	store    Store
	vault    *vault.Vault
	cache    cache.Cache
	bus      bus.Bus
	appID    string
	client   *http.Client
	timeout  time.Duration
	limiter  *rate.Limiter
	maxBytes int64
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates a registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("tool: registry store is nil")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(cfg.FetchTimeout)
	}
	if cfg.FetchRate <= 0 {
		cfg.FetchRate = defaultFetchRate
	}
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = defaultMaxDocumentBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Registry{
		store:    cfg.Store,
		vault:    cfg.Vault,
		cache:    cfg.Cache,
		bus:      cfg.Bus,
		appID:    cfg.AppID,
		client:   cfg.HTTPClient,
		timeout:  cfg.FetchTimeout,
		limiter:  rate.NewLimiter(rate.Limit(cfg.FetchRate), 1),
		maxBytes: cfg.MaxDocumentBytes,
		observer: observerOrNoop(cfg.Observer),
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// RegisterToolsServer fetches, validates and reconciles one tool server.
func (r *Registry) RegisterToolsServer(ctx context.Context, desc ServerDescriptor, opts RegisterOptions) (RegisterResult, error) {
	start := r.now()
	result, err := r.register(ctx, desc, opts)

	obs := ReconcileObservation{
		Namespace:       result.Namespace,
		ManifestURL:     desc.Source(),
		DurationMS:      r.now().Sub(start).Milliseconds(),
		Success:         err == nil,
		ErrorCode:       ErrorCode(err),
		Tools:           result.Tools,
		CredentialTypes: result.CredentialTypes,
		TriggerTypes:    result.TriggerTypes,
	}
	r.observer.ObserveReconcile(obs)
	if err != nil {
		return RegisterResult{}, err
	}

	r.logger.Info("tool: reconciled tool server",
		"namespace", result.Namespace,
		"import_type", desc.Type(),
		"source", desc.Source(),
		"tools_created", result.Tools.Created,
		"tools_updated", result.Tools.Updated,
		"tools_deleted", result.Tools.Deleted,
	)
	r.announce(ctx, result.Namespace)
	return result, nil
}

func (r *Registry) register(ctx context.Context, desc ServerDescriptor, opts RegisterOptions) (RegisterResult, error) {
	switch desc.Type() {
	case ImportManifest:
		return r.registerManifest(ctx, desc, opts)
	case ImportOpenAPISpec:
		return r.registerSpec(ctx, desc, opts)
	default:
		return RegisterResult{}, newValidationError("import_type", "%q is not one of %s, %s", desc.ImportType, ImportManifest, ImportOpenAPISpec)
	}
}

func (r *Registry) registerManifest(ctx context.Context, desc ServerDescriptor, opts RegisterOptions) (RegisterResult, error) {
	manifestURL := desc.Source()
	if manifestURL == "" {
		return RegisterResult{}, newValidationError("manifest_url", "is required")
	}

	raw, err := r.fetch(ctx, "fetch manifest", manifestURL)
	if err != nil {
		return RegisterResult{}, err
	}
	manifest, err := ParseManifest(raw)
	if err == nil {
		err = manifest.Validate()
	}
	if err != nil {
		return RegisterResult{}, withSource(err, manifestURL)
	}

	specURL, baseURL, err := manifest.ResolveSpecURL(manifestURL)
	if err != nil {
		return RegisterResult{}, withSource(err, manifestURL)
	}
	specData, err := r.fetch(ctx, "fetch spec", specURL)
	if err != nil {
		return RegisterResult{}, err
	}
	tools, err := ParseOpenAPI(manifest.Namespace, specData)
	if err != nil {
		return RegisterResult{}, withSource(err, specURL)
	}

	server, err := r.upsertServer(ctx, manifest, manifestURL, specURL, baseURL)
	if err != nil {
		return RegisterResult{}, err
	}
	result := RegisterResult{Namespace: server.Namespace, ServerID: server.ID, ManifestURL: manifestURL, SpecURL: specURL}
	ns := manifest.Namespace

	if result.Tools, err = r.reconcileTools(ctx, ns, tools, opts); err != nil {
		return result, err
	}

	currentCreds, err := ListCredentialTypes(ctx, r.store, ns, false)
	if err != nil {
		return result, err
	}
	credDiff := ComputeDiff(currentCreds, credentialTypesFromManifest(manifest), CredentialTypeKey, MergeCredentialType)
	if err := ApplyCredentialTypeDiff(ctx, r.store, ns, credDiff); err != nil {
		return result, err
	}
	result.CredentialTypes = credDiff.Summary()

	currentTriggers, err := ListTriggerTypes(ctx, r.store, ns, false)
	if err != nil {
		return result, err
	}
	triggerDiff := ComputeDiff(currentTriggers, triggerTypesFromManifest(manifest), TriggerTypeKey, MergeTriggerType)
	if err := ApplyTriggerTypeDiff(ctx, r.store, ns, triggerDiff); err != nil {
		return result, err
	}
	result.TriggerTypes = triggerDiff.Summary()

	return result, nil
}

// registerSpec registers a namespace from an OpenAPI document alone. The
// server record carries the spec URL and no manifest URL, which is how
// ReconcileAll recognizes it later.
func (r *Registry) registerSpec(ctx context.Context, desc ServerDescriptor, opts RegisterOptions) (RegisterResult, error) {
	ns := strings.TrimSpace(desc.Namespace)
	if err := ValidateNamespace(ns); err != nil {
		return RegisterResult{}, err
	}
	specURL, baseURL, err := resolveSpecURL(desc.Source())
	if err != nil {
		return RegisterResult{}, err
	}

	existing, found, err := GetServer(ctx, r.store, ns)
	if err != nil {
		return RegisterResult{}, err
	}
	if found && !existing.IsDeleted && existing.ManifestURL != "" {
		return RegisterResult{}, newValidationError("namespace", "%q is registered from manifest %s", ns, existing.ManifestURL)
	}

	specData, err := r.fetch(ctx, "fetch spec", specURL)
	if err != nil {
		return RegisterResult{}, err
	}
	tools, err := ParseOpenAPI(ns, specData)
	if err != nil {
		return RegisterResult{}, withSource(err, specURL)
	}

	server := ToolServer{
		Namespace:     ns,
		DisplayName:   ns,
		BaseURL:       baseURL,
		SpecURL:       specURL,
		SchemaVersion: SchemaVersionV1,
		Auth:          Auth{Type: AuthNone},
		HealthStatus:  HealthUnknown,
	}
	if found {
		server.ID = existing.ID
		server.HealthStatus = existing.HealthStatus
		server.LastHealthCheck = existing.LastHealthCheck
		if existing.DisplayName != "" {
			server.DisplayName = existing.DisplayName
		}
	}
	if server, err = PutServer(ctx, r.store, server); err != nil {
		return RegisterResult{}, err
	}

	result := RegisterResult{Namespace: ns, ServerID: server.ID, SpecURL: specURL}
	if result.Tools, err = r.reconcileTools(ctx, ns, tools, opts); err != nil {
		return result, err
	}
	return result, nil
}

// reconcileTools stamps ownership onto tools and converges namespace to them.
func (r *Registry) reconcileTools(ctx context.Context, ns string, tools []ToolDefinition, opts RegisterOptions) (DiffSummary, error) {
	for i := range tools {
		tools[i].CreatorUserID = opts.CreatorUserID
		tools[i].TeamID = opts.TeamID
		tools[i].Public = !opts.Private
	}
	current, err := ListTools(ctx, r.store, ns, false)
	if err != nil {
		return DiffSummary{}, err
	}
	d := ComputeDiff(current, tools, ToolKey, MergeTool)
	if err := ApplyToolDiff(ctx, r.store, ns, d); err != nil {
		return DiffSummary{}, err
	}
	return d.Summary(), nil
}

func (r *Registry) upsertServer(ctx context.Context, m Manifest, manifestURL, specURL, baseURL string) (ToolServer, error) {
	existing, found, err := GetServer(ctx, r.store, m.Namespace)
	if err != nil {
		return ToolServer{}, err
	}

	server := ToolServer{
		Namespace:        m.Namespace,
		DisplayName:      m.DisplayName,
		Description:      m.Description,
		BaseURL:          baseURL,
		ManifestURL:      manifestURL,
		SpecURL:          specURL,
		SchemaVersion:    m.SchemaVersion,
		Auth:             *m.Auth,
		HealthCheck:      m.HealthCheck,
		HealthStatus:     HealthUnknown,
		RateLimit:        m.RateLimiter,
		TriggerEndpoints: m.TriggerEndpoints,
		ContactEmail:     m.ContactEmail,
		LogEndpoint:      m.LogEndpoint,
	}
	if found {
		server.ID = existing.ID
		server.HealthStatus = existing.HealthStatus
		server.LastHealthCheck = existing.LastHealthCheck
	}

	if key := strings.TrimSpace(m.CredentialEncryptKey); key != "" {
		if r.vault == nil {
			return ToolServer{}, errors.New("tool: vault is required to store credentialEncryptKey")
		}
		sealed, err := r.vault.EncryptString(key)
		if err != nil {
			return ToolServer{}, fmt.Errorf("tool: encrypt server key for %s: %w", m.Namespace, err)
		}
		server.CredentialEncryptKey = sealed
	}

	return PutServer(ctx, r.store, server)
}

// RegisterBatch registers descriptors one at a time. A failing source is
// logged and counted; it never stops the remaining sources, and the batch
// itself never fails.
func (r *Registry) RegisterBatch(ctx context.Context, descs []ServerDescriptor, opts RegisterOptions) BatchResult {
	var out BatchResult
	for i, desc := range descs {
		if err := ctx.Err(); err != nil {
			for _, rest := range descs[i:] {
				out.Failed++
				out.Errors = append(out.Errors, SourceError{Source: rest.Source(), Err: err})
			}
			break
		}

		result, err := r.registerGuarded(ctx, desc, opts)
		if err != nil {
			out.Failed++
			out.Errors = append(out.Errors, SourceError{Source: desc.Source(), Err: err})
			r.logger.Warn("tool: register tool server failed",
				"source", desc.Source(),
				"code", ErrorCode(err),
				"error", err,
			)
			continue
		}
		out.Succeeded++
		out.Results = append(out.Results, result)
	}
	return out
}

func (r *Registry) registerGuarded(ctx context.Context, desc ServerDescriptor, opts RegisterOptions) (result RegisterResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool: register %s panicked: %v", desc.Source(), p)
		}
	}()
	return r.RegisterToolsServer(ctx, desc, opts)
}

// ReconcileAll re-registers every persisted, non-deleted server and then the
// extra sources, skipping duplicates. Servers without a manifest URL were
// imported from an OpenAPI document and are re-imported from it.
func (r *Registry) ReconcileAll(ctx context.Context, extra []ServerDescriptor, opts RegisterOptions) (BatchResult, error) {
	servers, err := ListServers(ctx, r.store, false)
	if err != nil {
		return BatchResult{}, err
	}
	seen := make(map[string]struct{}, len(servers)+len(extra))
	descs := make([]ServerDescriptor, 0, len(servers)+len(extra))
	add := func(d ServerDescriptor) {
		if d.Source() == "" {
			return
		}
		k := d.key()
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		descs = append(descs, d)
	}
	for _, s := range servers {
		if s.ManifestURL == "" && s.SpecURL != "" {
			add(ServerDescriptor{ImportType: ImportOpenAPISpec, Namespace: s.Namespace, OpenAPISpecURL: s.SpecURL})
			continue
		}
		add(ServerDescriptor{ManifestURL: s.ManifestURL})
	}
	for _, d := range extra {
		add(d)
	}
	return r.RegisterBatch(ctx, descs, opts), nil
}

// announce records and broadcasts a reconciled namespace. Failures only log:
// the registry state is already persisted.
func (r *Registry) announce(ctx context.Context, namespace string) {
	if r.cache != nil {
		if _, err := r.cache.SAdd(ctx, NamespacesKey(r.appID), namespace); err != nil {
			r.logger.Warn("tool: record namespace failed", "namespace", namespace, "error", err)
		}
	}
	if r.bus != nil {
		if err := r.bus.Publish(ctx, ReconciledChannel(r.appID), namespace); err != nil {
			r.logger.Warn("tool: announce reconcile failed", "namespace", namespace, "error", err)
		}
	}
}

func (r *Registry) fetch(ctx context.Context, op, url string) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, &RemoteError{Op: op, URL: url, Cause: err}
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &RemoteError{Op: op, URL: url, Cause: err}
	}
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9, */*;q=0.8")
	if r.appID != "" {
		req.Header.Set(HeaderAppID, r.appID)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &RemoteError{Op: op, URL: url, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, &RemoteError{Op: op, URL: url, StatusCode: resp.StatusCode, Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteError{Op: op, URL: url, StatusCode: resp.StatusCode, Body: snippet(body)}
	}
	if int64(len(body)) > r.maxBytes {
		return nil, &RemoteError{Op: op, URL: url, StatusCode: resp.StatusCode, Cause: fmt.Errorf("document exceeds %d bytes", r.maxBytes)}
	}
	return body, nil
}

func credentialTypesFromManifest(m Manifest) []CredentialType {
	out := make([]CredentialType, 0, len(m.Credentials))
	for _, c := range m.Credentials {
		out = append(out, CredentialType{
			Namespace:   m.Namespace,
			Name:        c.Name,
			DisplayName: c.DisplayName,
			Description: c.Description,
			IconURL:     c.IconURL,
			Type:        c.Type,
			Properties:  c.Properties,
		})
	}
	return out
}

func triggerTypesFromManifest(m Manifest) []TriggerType {
	out := make([]TriggerType, 0, len(m.Triggers))
	for _, t := range m.Triggers {
		out = append(out, TriggerType{
			Namespace:      m.Namespace,
			Type:           t.Type,
			DisplayName:    t.DisplayName,
			Description:    t.Description,
			Icon:           t.Icon,
			Properties:     t.Properties,
			WorkflowInputs: t.WorkflowInputs,
		})
	}
	return out
}

func withSource(err error, source string) error {
	var v *ValidationError
	if errors.As(err, &v) && v.Source == "" {
		v.Source = source
	}
	return err
}

func snippet(body []byte) string {
	return BodySnippet(body, errorBodySnippetBytes)
}

// BodySnippet trims body for error messages, cutting at most limit bytes on
// a rune boundary.
func BodySnippet(body []byte, limit int) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
