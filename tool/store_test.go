package tool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petal-labs/toolrelay/vault"
)

// storeBackends returns every backend available to the test run. Postgres
// joins when TOOLRELAY_TEST_POSTGRES_DSN is set.
func storeBackends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	backends := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(SQLiteStoreConfig{DSN: filepath.Join(t.TempDir(), "registry.db")})
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("TOOLRELAY_TEST_POSTGRES_DSN"); dsn != "" {
		backends["postgres"] = func(t *testing.T) Store {
			s, err := OpenPostgresStore(context.Background(), dsn)
			if err != nil {
				t.Fatalf("OpenPostgresStore() error = %v", err)
			}
			if _, err := s.pool.Exec(context.Background(), "TRUNCATE registry_entries, system_config"); err != nil {
				t.Fatalf("truncate error = %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return backends
}

func TestStoreServerRoundTrip(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			if _, ok, err := GetServer(ctx, s, "weather"); err != nil || ok {
				t.Fatalf("GetServer(missing) = %v, %v", ok, err)
			}

			saved, err := PutServer(ctx, s, ToolServer{
				Namespace:    "weather",
				DisplayName:  "Weather",
				BaseURL:      "https://weather.example.com",
				HealthStatus: HealthUnknown,
				RateLimit:    &RateLimit{MaxRequests: 5, WindowMS: 1000},
			})
			if err != nil {
				t.Fatalf("PutServer() error = %v", err)
			}
			if saved.ID == "" || saved.CreatedAt.IsZero() {
				t.Fatalf("saved = %+v, want assigned ID and timestamps", saved)
			}

			saved.DisplayName = "Weather v2"
			saved.ID = ""
			again, err := PutServer(ctx, s, saved)
			if err != nil {
				t.Fatalf("PutServer() second error = %v", err)
			}
			got, ok, err := GetServer(ctx, s, "weather")
			if err != nil || !ok {
				t.Fatalf("GetServer() = %v, %v", ok, err)
			}
			if got.ID != again.ID || got.DisplayName != "Weather v2" {
				t.Fatalf("GetServer() = %+v, want same ID and updated name", got)
			}
			if got.RateLimit == nil || got.RateLimit.MaxRequests != 5 {
				t.Fatalf("RateLimit = %+v", got.RateLimit)
			}
		})
	}
}

func TestStoreApplyToolDiffSoftDeletes(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			first := ComputeDiff(nil, []ToolDefinition{
				{Namespace: "ns", Name: "ns__GET__/a"},
				{Namespace: "ns", Name: "ns__GET__/b"},
			}, ToolKey, MergeTool)
			if err := ApplyToolDiff(ctx, s, "ns", first); err != nil {
				t.Fatalf("ApplyToolDiff() error = %v", err)
			}
			current, err := ListTools(ctx, s, "ns", false)
			if err != nil || len(current) != 2 {
				t.Fatalf("ListTools() = %d, %v", len(current), err)
			}
			idB := current[1].ID

			second := ComputeDiff(current, []ToolDefinition{
				{Namespace: "ns", Name: "ns__GET__/b", DisplayName: "B"},
			}, ToolKey, MergeTool)
			if err := ApplyToolDiff(ctx, s, "ns", second); err != nil {
				t.Fatalf("ApplyToolDiff() second error = %v", err)
			}

			live, err := ListTools(ctx, s, "ns", false)
			if err != nil {
				t.Fatalf("ListTools() error = %v", err)
			}
			if len(live) != 1 || live[0].Name != "ns__GET__/b" || live[0].ID != idB || live[0].DisplayName != "B" {
				t.Fatalf("live tools = %+v", live)
			}

			all, err := ListTools(ctx, s, "ns", true)
			if err != nil || len(all) != 2 {
				t.Fatalf("ListTools(includeDeleted) = %d, %v", len(all), err)
			}
			deleted, ok, err := GetTool(ctx, s, "ns", "ns__GET__/a")
			if err != nil || !ok || !deleted.IsDeleted {
				t.Fatalf("GetTool(deleted) = %+v, %v, %v", deleted, ok, err)
			}

			// A reappearing tool is revived under its original ID.
			revive := ComputeDiff(live, []ToolDefinition{
				{Namespace: "ns", Name: "ns__GET__/a"},
				{Namespace: "ns", Name: "ns__GET__/b"},
			}, ToolKey, MergeTool)
			if err := ApplyToolDiff(ctx, s, "ns", revive); err != nil {
				t.Fatalf("ApplyToolDiff() revive error = %v", err)
			}
			back, ok, err := GetTool(ctx, s, "ns", "ns__GET__/a")
			if err != nil || !ok || back.IsDeleted || back.ID != deleted.ID {
				t.Fatalf("revived tool = %+v, want ID %s", back, deleted.ID)
			}
		})
	}
}

func TestStoreNamespacesAreIsolated(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			for _, ns := range []string{"alpha", "beta"} {
				d := ComputeDiff(nil, []TriggerType{{Namespace: ns, Type: "webhook"}}, TriggerTypeKey, MergeTriggerType)
				if err := ApplyTriggerTypeDiff(ctx, s, ns, d); err != nil {
					t.Fatalf("ApplyTriggerTypeDiff(%s) error = %v", ns, err)
				}
			}
			alpha, err := ListTriggerTypes(ctx, s, "alpha", false)
			if err != nil || len(alpha) != 1 {
				t.Fatalf("ListTriggerTypes(alpha) = %d, %v", len(alpha), err)
			}
			everything, err := ListTriggerTypes(ctx, s, "", false)
			if err != nil || len(everything) != 2 {
				t.Fatalf("ListTriggerTypes(all) = %d, %v", len(everything), err)
			}
			if everything[0].Namespace != "alpha" || everything[1].Namespace != "beta" {
				t.Fatalf("order = %s, %s", everything[0].Namespace, everything[1].Namespace)
			}
		})
	}
}

func TestStoreCredentialsRequireCiphertext(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			if _, err := PutCredential(ctx, s, Credential{TeamID: "team", Data: `{"key":"plain"}`}); err == nil {
				t.Fatal("PutCredential(plaintext) error = nil, want error")
			}

			v, err := vault.Open(ctx, s)
			if err != nil {
				t.Fatalf("vault.Open() error = %v", err)
			}
			data, err := v.Encrypt(map[string]string{"key": "secret"})
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			saved, err := PutCredential(ctx, s, Credential{TeamID: "team", Type: "ns:key", Data: data})
			if err != nil {
				t.Fatalf("PutCredential() error = %v", err)
			}

			got, ok, err := GetCredential(ctx, s, "team", saved.ID)
			if err != nil || !ok {
				t.Fatalf("GetCredential() = %v, %v", ok, err)
			}
			var plain map[string]string
			if err := v.Decrypt(got.Data, &plain); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if plain["key"] != "secret" {
				t.Fatalf("plain = %v", plain)
			}
			if _, ok, _ := GetCredential(ctx, s, "other-team", saved.ID); ok {
				t.Fatal("credential visible to another team")
			}
		})
	}
}

func TestStoreGetOrCreateConfigIsStable(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			calls := 0
			gen := func() (string, error) {
				calls++
				return time.Now().String(), nil
			}
			first, err := s.GetOrCreateConfig(ctx, "k", gen)
			if err != nil {
				t.Fatalf("GetOrCreateConfig() error = %v", err)
			}
			second, err := s.GetOrCreateConfig(ctx, "k", gen)
			if err != nil {
				t.Fatalf("GetOrCreateConfig() second error = %v", err)
			}
			if first != second || calls != 1 {
				t.Fatalf("values %q/%q after %d generate calls", first, second, calls)
			}
		})
	}
}
