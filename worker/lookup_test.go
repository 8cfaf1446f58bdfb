package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petal-labs/toolrelay/bus"
	"github.com/petal-labs/toolrelay/cache"
	"github.com/petal-labs/toolrelay/tool"
)

func seedLookupStore(t *testing.T, baseURL string) *tool.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := tool.NewMemoryStore()
	if _, err := tool.PutServer(ctx, store, tool.ToolServer{Namespace: "pets", BaseURL: baseURL}); err != nil {
		t.Fatalf("PutServer() error = %v", err)
	}
	err := tool.ApplyToolDiff(ctx, store, "pets", tool.Diff[tool.ToolDefinition]{
		ToCreate: []tool.ToolDefinition{{Namespace: "pets", Name: petToolName, APIInfo: tool.APIInfo{Method: "GET", Path: "/pets/{petId}"}}},
	})
	if err != nil {
		t.Fatalf("ApplyToolDiff() error = %v", err)
	}
	return store
}

func TestLookupCachesUntilInvalidated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := seedLookupStore(t, "http://old")
	c := cache.NewMemCache(cache.MemCacheConfig{})
	b := bus.NewMemBus(bus.MemBusConfig{})
	defer b.Close()

	lookup, err := NewLookup(LookupConfig{Store: store, Cache: c, AppID: "app", TTL: time.Minute})
	if err != nil {
		t.Fatalf("NewLookup() error = %v", err)
	}
	sub, err := lookup.Watch(ctx, b)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer sub.Close()

	ref, _ := ParseToolName(petToolName)
	first, err := lookup.Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if first.Server.BaseURL != "http://old" || first.Tool.APIInfo.Path != "/pets/{petId}" {
		t.Fatalf("Resolve() = %+v", first)
	}
	if _, ok, _ := c.Get(ctx, LookupKey("app", "pets", petToolName)); !ok {
		t.Fatal("lookup was not cached")
	}

	if _, err := tool.PutServer(ctx, store, tool.ToolServer{Namespace: "pets", BaseURL: "http://new"}); err != nil {
		t.Fatalf("PutServer() error = %v", err)
	}
	cached, err := lookup.Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cached.Server.BaseURL != "http://old" {
		t.Fatalf("cached BaseURL = %q, want http://old", cached.Server.BaseURL)
	}

	if err := b.Publish(ctx, tool.ReconciledChannel("app"), "pets"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := lookup.Resolve(ctx, ref)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got.Server.BaseURL == "http://new" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lookup was not invalidated after reconcile announcement")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLookupResolvesSoftDeletedTool(t *testing.T) {
	ctx := context.Background()
	store := seedLookupStore(t, "http://pets")
	def, _, err := tool.GetTool(ctx, store, "pets", petToolName)
	if err != nil {
		t.Fatalf("GetTool() error = %v", err)
	}
	if err := tool.ApplyToolDiff(ctx, store, "pets", tool.Diff[tool.ToolDefinition]{ToDelete: []tool.ToolDefinition{def}}); err != nil {
		t.Fatalf("ApplyToolDiff() error = %v", err)
	}

	lookup, err := NewLookup(LookupConfig{Store: store, AppID: "app"})
	if err != nil {
		t.Fatalf("NewLookup() error = %v", err)
	}
	ref, _ := ParseToolName(petToolName)
	got, err := lookup.Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !got.Tool.IsDeleted {
		t.Fatalf("Tool.IsDeleted = false, want soft-deleted definition")
	}
}

func TestLookupNotFound(t *testing.T) {
	ctx := context.Background()
	lookup, err := NewLookup(LookupConfig{Store: tool.NewMemoryStore(), AppID: "app"})
	if err != nil {
		t.Fatalf("NewLookup() error = %v", err)
	}
	ref, _ := ParseToolName("ghost__GET__/x")
	_, err = lookup.Resolve(ctx, ref)
	var nf *tool.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "tool" {
		t.Fatalf("Resolve() error = %v, want tool NotFoundError", err)
	}

	if _, err := NewLookup(LookupConfig{}); err == nil {
		t.Fatal("NewLookup() without store error = nil")
	}
}
