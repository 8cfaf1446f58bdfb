package tool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/toolrelay/bus"
	"github.com/petal-labs/toolrelay/cache"
	"github.com/petal-labs/toolrelay/vault"
)

const specTemplate = `{
  "openapi": "3.0.0",
  "paths": {%s}
}`

// fakeToolServers serves manifests and specs for several namespaces from
// one httptest server. Handlers can be swapped while the test runs.
type fakeToolServers struct {
	mu        sync.Mutex
	manifests map[string]string
	specs     map[string]string
	failing   map[string]int
	srv       *httptest.Server
}

func newFakeToolServers(t *testing.T) *fakeToolServers {
	t.Helper()
	f := &fakeToolServers{
		manifests: make(map[string]string),
		specs:     make(map[string]string),
		failing:   make(map[string]int),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeToolServers) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	ns, doc := parts[0], parts[1]
	if code, ok := f.failing[ns]; ok {
		http.Error(w, "boom", code)
		return
	}
	switch doc {
	case "manifest.json":
		body, ok := f.manifests[ns]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	case "openapi.json":
		_, _ = w.Write([]byte(f.specs[ns]))
	case "healthz":
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeToolServers) addServer(ns string, paths ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifests[ns] = fmt.Sprintf(`{
  "schema_version": "v1",
  "display_name": %q,
  "namespace": %q,
  "auth": {"type": "none"},
  "api": {"type": "openapi", "url": "/%s/openapi.json"},
  "health_check": "/%s/healthz"
}`, ns, ns, ns, ns)
	f.setPaths(ns, paths...)
}

// setPaths must be called with f.mu held or before the server is used.
func (f *fakeToolServers) setPaths(ns string, paths ...string) {
	entries := make([]string, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, fmt.Sprintf(`%q: {"get": {"summary": %q}}`, p, "get "+p))
	}
	f.specs[ns] = fmt.Sprintf(specTemplate, strings.Join(entries, ","))
}

func (f *fakeToolServers) replacePaths(ns string, paths ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setPaths(ns, paths...)
}

func (f *fakeToolServers) setManifest(ns, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifests[ns] = body
}

func (f *fakeToolServers) fail(ns string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[ns] = code
}

func (f *fakeToolServers) manifestURL(ns string) string {
	return f.srv.URL + "/" + ns + "/manifest.json"
}

func (f *fakeToolServers) specURL(ns string) string {
	return f.srv.URL + "/" + ns + "/openapi.json"
}

type recordingObserver struct {
	mu        sync.Mutex
	reconcile []ReconcileObservation
	health    []HealthObservation
	jobs      []JobObservation
}

func (o *recordingObserver) ObserveReconcile(obs ReconcileObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reconcile = append(o.reconcile, obs)
}

func (o *recordingObserver) ObserveHealth(obs HealthObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.health = append(o.health, obs)
}

func (o *recordingObserver) ObserveJob(obs JobObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs = append(o.jobs, obs)
}

func (o *recordingObserver) ObserveTask(TaskObservation) {}

func (o *recordingObserver) jobCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.jobs)
}

func newTestRegistry(t *testing.T, store Store, cfg RegistryConfig) *Registry {
	t.Helper()
	cfg.Store = store
	if cfg.FetchRate == 0 {
		cfg.FetchRate = 1000
	}
	if cfg.AppID == "" {
		cfg.AppID = "app"
	}
	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return reg
}

func TestRegisterToolsServerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	servers := newFakeToolServers(t)
	servers.addServer("weather", "/forecast", "/alerts")

	store := NewMemoryStore()
	obs := &recordingObserver{}
	reg := newTestRegistry(t, store, RegistryConfig{Observer: obs})

	first, err := reg.RegisterToolsServer(ctx, ServerDescriptor{ManifestURL: servers.manifestURL("weather")}, RegisterOptions{})
	if err != nil {
		t.Fatalf("RegisterToolsServer() error = %v", err)
	}
	if first.Tools != (DiffSummary{Created: 2}) {
		t.Fatalf("first Tools = %+v, want 2 created", first.Tools)
	}
	before, _ := ListTools(ctx, store, "weather", false)

	second, err := reg.RegisterToolsServer(ctx, ServerDescriptor{ManifestURL: servers.manifestURL("weather")}, RegisterOptions{})
	if err != nil {
		t.Fatalf("RegisterToolsServer() second error = %v", err)
	}
	if second.Tools != (DiffSummary{}) || second.CredentialTypes != (DiffSummary{}) || second.TriggerTypes != (DiffSummary{}) {
		t.Fatalf("second reconcile = %+v, want no net changes", second)
	}
	if second.ServerID != first.ServerID {
		t.Fatalf("server ID changed: %s -> %s", first.ServerID, second.ServerID)
	}
	after, _ := ListTools(ctx, store, "weather", false)
	if len(after) != len(before) {
		t.Fatalf("tool count changed: %d -> %d", len(before), len(after))
	}
	for i := range after {
		if after[i].ID != before[i].ID {
			t.Fatalf("tool %s ID changed: %s -> %s", after[i].Name, before[i].ID, after[i].ID)
		}
	}

	server, ok, err := GetServer(ctx, store, "weather")
	if err != nil || !ok {
		t.Fatalf("GetServer() = %v, %v", ok, err)
	}
	if server.BaseURL != servers.srv.URL || server.HealthStatus != HealthUnknown {
		t.Fatalf("server = %+v", server)
	}
	if len(obs.reconcile) != 2 || !obs.reconcile[0].Success {
		t.Fatalf("reconcile observations = %+v", obs.reconcile)
	}
}

func TestRegisterToolsServerConvergesToManifest(t *testing.T) {
	ctx := context.Background()
	servers := newFakeToolServers(t)
	servers.addServer("ns", "/a", "/b", "/c")

	store := NewMemoryStore()
	reg := newTestRegistry(t, store, RegistryConfig{})
	desc := ServerDescriptor{ManifestURL: servers.manifestURL("ns")}

	if _, err := reg.RegisterToolsServer(ctx, desc, RegisterOptions{}); err != nil {
		t.Fatalf("RegisterToolsServer() error = %v", err)
	}
	servers.replacePaths("ns", "/b", "/c", "/d")

	result, err := reg.RegisterToolsServer(ctx, desc, RegisterOptions{})
	if err != nil {
		t.Fatalf("RegisterToolsServer() error = %v", err)
	}
	if result.Tools != (DiffSummary{Created: 1, Deleted: 1}) {
		t.Fatalf("Tools = %+v", result.Tools)
	}

	live, _ := ListTools(ctx, store, "ns", false)
	var names []string
	for _, tl := range live {
		names = append(names, tl.Name)
	}
	want := []string{"ns__GET__/b", "ns__GET__/c", "ns__GET__/d"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("live tools = %v, want %v", names, want)
	}
	gone, ok, _ := GetTool(ctx, store, "ns", "ns__GET__/a")
	if !ok || !gone.IsDeleted {
		t.Fatalf("removed tool = %+v, %v, want soft-deleted", gone, ok)
	}
}

func TestRegisterBatchIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	servers := newFakeToolServers(t)
	servers.addServer("alpha", "/one")
	servers.addServer("beta", "/two")
	servers.addServer("gamma", "/three")
	servers.fail("beta", http.StatusInternalServerError)

	store := NewMemoryStore()
	reg := newTestRegistry(t, store, RegistryConfig{})

	result := reg.RegisterBatch(ctx, []ServerDescriptor{
		{ManifestURL: servers.manifestURL("alpha")},
		{ManifestURL: servers.manifestURL("beta")},
		{ManifestURL: servers.manifestURL("gamma")},
	}, RegisterOptions{})

	if result.Succeeded != 2 || result.Failed != 1 {
		t.Fatalf("batch = %d succeeded, %d failed; want 2 and 1", result.Succeeded, result.Failed)
	}
	if len(result.Errors) != 1 || result.Errors[0].Source != servers.manifestURL("beta") {
		t.Fatalf("Errors = %+v", result.Errors)
	}
	var remote *RemoteError
	if !errors.As(result.Errors[0].Err, &remote) || remote.StatusCode != http.StatusInternalServerError {
		t.Fatalf("beta error = %v, want RemoteError with status 500", result.Errors[0].Err)
	}
	if !remote.Retryable() {
		t.Fatal("500 should be retryable")
	}

	for _, ns := range []string{"alpha", "gamma"} {
		if _, ok, _ := GetServer(ctx, store, ns); !ok {
			t.Fatalf("server %s not registered", ns)
		}
	}
	if _, ok, _ := GetServer(ctx, store, "beta"); ok {
		t.Fatal("failed server beta should not be registered")
	}
}

func TestRegisterToolsServerRejectsInvalidManifest(t *testing.T) {
	ctx := context.Background()
	servers := newFakeToolServers(t)
	servers.addServer("bad", "/x")
	servers.setManifest("bad", `{"schema_version": "v1", "namespace": "bad", "auth": {"type": "none"}}`)

	store := NewMemoryStore()
	obs := &recordingObserver{}
	reg := newTestRegistry(t, store, RegistryConfig{Observer: obs})

	_, err := reg.RegisterToolsServer(ctx, ServerDescriptor{ManifestURL: servers.manifestURL("bad")}, RegisterOptions{})
	var v *ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("RegisterToolsServer() error = %v, want ValidationError", err)
	}
	if v.Source != servers.manifestURL("bad") {
		t.Fatalf("Source = %q", v.Source)
	}
	if ErrorCode(err) != ErrorCodeValidation {
		t.Fatalf("ErrorCode() = %q", ErrorCode(err))
	}
	if len(obs.reconcile) != 1 || obs.reconcile[0].Success || obs.reconcile[0].ErrorCode != ErrorCodeValidation {
		t.Fatalf("observations = %+v", obs.reconcile)
	}
	if persisted, _ := ListServers(ctx, store, true); len(persisted) != 0 {
		t.Fatalf("servers = %+v, want none", persisted)
	}
}

func TestRegisterToolsServerStoresEncryptedServerKey(t *testing.T) {
	ctx := context.Background()
	servers := newFakeToolServers(t)
	servers.addServer("secure", "/run")
	servers.setManifest("secure", `{
  "schema_version": "v1",
  "display_name": "Secure",
  "namespace": "secure",
  "auth": {"type": "none"},
  "api": {"type": "openapi", "url": "/secure/openapi.json"},
  "credentials": [{"name": "api_key", "displayName": "API key", "type": "AKSK"}],
  "credentialEncryptKey": "server-side-key"
}`)

	store := NewMemoryStore()
	v, err := vault.Open(ctx, store)
	if err != nil {
		t.Fatalf("vault.Open() error = %v", err)
	}
	reg := newTestRegistry(t, store, RegistryConfig{Vault: v})

	result, err := reg.RegisterToolsServer(ctx, ServerDescriptor{ManifestURL: servers.manifestURL("secure")}, RegisterOptions{})
	if err != nil {
		t.Fatalf("RegisterToolsServer() error = %v", err)
	}
	if result.CredentialTypes != (DiffSummary{Created: 1}) {
		t.Fatalf("CredentialTypes = %+v", result.CredentialTypes)
	}

	server, _, _ := GetServer(ctx, store, "secure")
	if !vault.IsEncrypted(server.CredentialEncryptKey) {
		t.Fatalf("CredentialEncryptKey = %q, want ciphertext", server.CredentialEncryptKey)
	}
	plain, err := v.DecryptString(server.CredentialEncryptKey)
	if err != nil || plain != "server-side-key" {
		t.Fatalf("DecryptString() = %q, %v", plain, err)
	}

	// Without a vault the key cannot be stored.
	noVault := newTestRegistry(t, NewMemoryStore(), RegistryConfig{})
	if _, err := noVault.RegisterToolsServer(ctx, ServerDescriptor{ManifestURL: servers.manifestURL("secure")}, RegisterOptions{}); err == nil {
		t.Fatal("RegisterToolsServer() without vault error = nil, want error")
	}
}

func TestRegisterToolsServerAnnouncesNamespace(t *testing.T) {
	ctx := context.Background()
	servers := newFakeToolServers(t)
	servers.addServer("news", "/headlines")

	c := cache.NewMemCache(cache.MemCacheConfig{})
	b := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() { _ = b.Close() })

	got := make(chan string, 1)
	sub, err := b.Subscribe(ctx, ReconciledChannel("app"), func(_, msg string) { got <- msg })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	reg := newTestRegistry(t, NewMemoryStore(), RegistryConfig{Cache: c, Bus: b})
	if _, err := reg.RegisterToolsServer(ctx, ServerDescriptor{ManifestURL: servers.manifestURL("news")}, RegisterOptions{}); err != nil {
		t.Fatalf("RegisterToolsServer() error = %v", err)
	}

	select {
	case ns := <-got:
		if ns != "news" {
			t.Fatalf("announced %q, want news", ns)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconcile announcement")
	}
	members, err := c.SMembers(ctx, NamespacesKey("app"))
	if err != nil || len(members) != 1 || members[0] != "news" {
		t.Fatalf("SMembers() = %v, %v", members, err)
	}
}

func TestReconcileAllDedupesSources(t *testing.T) {
	ctx := context.Background()
	servers := newFakeToolServers(t)
	servers.addServer("one", "/a")
	servers.addServer("two", "/b")

	store := NewMemoryStore()
	reg := newTestRegistry(t, store, RegistryConfig{})
	if _, err := reg.RegisterToolsServer(ctx, ServerDescriptor{ManifestURL: servers.manifestURL("one")}, RegisterOptions{}); err != nil {
		t.Fatalf("RegisterToolsServer() error = %v", err)
	}

	result, err := reg.ReconcileAll(ctx, []ServerDescriptor{
		{ManifestURL: servers.manifestURL("one")},
		{ManifestURL: servers.manifestURL("two")},
		{ManifestURL: "  "},
	}, RegisterOptions{})
	if err != nil {
		t.Fatalf("ReconcileAll() error = %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 0 {
		t.Fatalf("ReconcileAll() = %+v, want 2 succeeded", result)
	}
}

func TestRegisterBatchStopsOnCancelledContext(t *testing.T) {
	servers := newFakeToolServers(t)
	servers.addServer("late", "/x")
	reg := newTestRegistry(t, NewMemoryStore(), RegistryConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := reg.RegisterBatch(ctx, []ServerDescriptor{
		{ManifestURL: servers.manifestURL("late")},
		{ManifestURL: servers.manifestURL("late")},
	}, RegisterOptions{})
	if result.Succeeded != 0 || result.Failed != 2 {
		t.Fatalf("RegisterBatch() = %+v, want every source failed", result)
	}
}

func TestRegisterToolsServerStampsOwnership(t *testing.T) {
	ctx := context.Background()
	servers := newFakeToolServers(t)
	servers.addServer("private", "/p")

	store := NewMemoryStore()
	reg := newTestRegistry(t, store, RegistryConfig{})
	opts := RegisterOptions{CreatorUserID: "user-1", TeamID: "team-1", Private: true}
	if _, err := reg.RegisterToolsServer(ctx, ServerDescriptor{ManifestURL: servers.manifestURL("private")}, opts); err != nil {
		t.Fatalf("RegisterToolsServer() error = %v", err)
	}
	def, ok, err := GetTool(ctx, store, "private", "private__GET__/p")
	if err != nil || !ok {
		t.Fatalf("GetTool() = %v, %v", ok, err)
	}
	if def.Public || def.TeamID != "team-1" || def.CreatorUserID != "user-1" {
		t.Fatalf("tool ownership = %+v", def)
	}
}

func TestRegisterToolsServerFromOpenAPISpec(t *testing.T) {
	ctx := context.Background()
	servers := newFakeToolServers(t)
	// A bare OpenAPI document, no manifest published.
	servers.replacePaths("raw", "/items", "/items/{id}")

	store := NewMemoryStore()
	reg := newTestRegistry(t, store, RegistryConfig{})
	desc := ServerDescriptor{ImportType: ImportOpenAPISpec, Namespace: "raw", OpenAPISpecURL: servers.specURL("raw")}
	opts := RegisterOptions{TeamID: "team-1"}

	result, err := reg.RegisterToolsServer(ctx, desc, opts)
	if err != nil {
		t.Fatalf("RegisterToolsServer() error = %v", err)
	}
	if result.Namespace != "raw" || result.SpecURL != servers.specURL("raw") || result.ManifestURL != "" {
		t.Fatalf("result = %+v", result)
	}
	if result.Tools != (DiffSummary{Created: 2}) {
		t.Fatalf("Tools = %+v, want 2 created", result.Tools)
	}

	server, ok, err := GetServer(ctx, store, "raw")
	if err != nil || !ok {
		t.Fatalf("GetServer() = %v, %v", ok, err)
	}
	if server.BaseURL != servers.srv.URL || server.ManifestURL != "" || server.Auth.Type != AuthNone {
		t.Fatalf("server = %+v", server)
	}
	def, ok, _ := GetTool(ctx, store, "raw", "raw__GET__/items/{id}")
	if !ok || def.TeamID != "team-1" || def.APIInfo.Path != "/items/{id}" {
		t.Fatalf("tool = %+v, %v", def, ok)
	}

	again, err := reg.RegisterToolsServer(ctx, desc, opts)
	if err != nil {
		t.Fatalf("RegisterToolsServer() second error = %v", err)
	}
	if again.Tools != (DiffSummary{}) || again.ServerID != result.ServerID {
		t.Fatalf("second result = %+v, want no changes on the same server", again)
	}

	// ReconcileAll re-imports the spec-only server from its document.
	servers.replacePaths("raw", "/items")
	batch, err := reg.ReconcileAll(ctx, nil, opts)
	if err != nil {
		t.Fatalf("ReconcileAll() error = %v", err)
	}
	if batch.Succeeded != 1 || batch.Failed != 0 || batch.Results[0].Tools != (DiffSummary{Deleted: 1}) {
		t.Fatalf("ReconcileAll() = %+v", batch)
	}
}

func TestRegisterToolsServerOpenAPISpecErrors(t *testing.T) {
	ctx := context.Background()
	servers := newFakeToolServers(t)
	servers.addServer("owned", "/a")

	store := NewMemoryStore()
	reg := newTestRegistry(t, store, RegistryConfig{})
	if _, err := reg.RegisterToolsServer(ctx, ServerDescriptor{ManifestURL: servers.manifestURL("owned")}, RegisterOptions{}); err != nil {
		t.Fatalf("RegisterToolsServer() error = %v", err)
	}

	tests := []struct {
		name  string
		desc  ServerDescriptor
		field string
	}{
		{name: "missing namespace", desc: ServerDescriptor{ImportType: ImportOpenAPISpec, OpenAPISpecURL: servers.specURL("owned")}, field: "namespace"},
		{name: "reserved namespace", desc: ServerDescriptor{ImportType: ImportOpenAPISpec, Namespace: SystemNamespace, OpenAPISpecURL: servers.specURL("owned")}, field: "namespace"},
		{name: "missing url", desc: ServerDescriptor{ImportType: ImportOpenAPISpec, Namespace: "fresh"}, field: "openapi_spec_url"},
		{name: "relative url", desc: ServerDescriptor{ImportType: ImportOpenAPISpec, Namespace: "fresh", OpenAPISpecURL: "/openapi.json"}, field: "openapi_spec_url"},
		{name: "manifest namespace", desc: ServerDescriptor{ImportType: ImportOpenAPISpec, Namespace: "owned", OpenAPISpecURL: servers.specURL("owned")}, field: "namespace"},
		{name: "unknown import type", desc: ServerDescriptor{ImportType: "api", ManifestURL: servers.manifestURL("owned")}, field: "import_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.RegisterToolsServer(ctx, tt.desc, RegisterOptions{})
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("RegisterToolsServer() error = %v, want ValidationError on %s", err, tt.field)
			}
		})
	}

	server, _, _ := GetServer(ctx, store, "owned")
	if server.ManifestURL != servers.manifestURL("owned") {
		t.Fatalf("manifest server was overwritten: %+v", server)
	}
}
