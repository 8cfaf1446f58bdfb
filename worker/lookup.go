package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/petal-labs/toolrelay/bus"
	"github.com/petal-labs/toolrelay/cache"
	"github.com/petal-labs/toolrelay/tool"
)

const (
	defaultLookupTTL  = 30 * time.Second
	invalidateTimeout = 5 * time.Second
)

// Resolved is the definition and server a dispatch name points at.
type Resolved struct {
	Tool   tool.ToolDefinition `json:"tool"`
	Server tool.ToolServer     `json:"server"`
}

// LookupConfig configures a Lookup.
type LookupConfig struct {
	Store tool.Store
	// Cache holds resolved entries for TTL. Optional.
	Cache  cache.Cache
	AppID  string
	TTL    time.Duration
	Logger *slog.Logger
}

// Lookup resolves dispatch names against the store through a short-lived
// cache. Soft-deleted definitions stay resolvable so in-flight workflows
// keep working after a tool disappears from its manifest.
type Lookup struct {
	store  tool.Store
	cache  cache.Cache
	appID  string
	ttl    time.Duration
	logger *slog.Logger
}

// NewLookup creates a lookup.
func NewLookup(cfg LookupConfig) (*Lookup, error) {
	if cfg.Store == nil {
		return nil, errors.New("worker: lookup store is nil")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultLookupTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Lookup{store: cfg.Store, cache: cfg.Cache, appID: cfg.AppID, ttl: cfg.TTL, logger: cfg.Logger}, nil
}

// Resolve returns the tool and server behind ref.
func (l *Lookup) Resolve(ctx context.Context, ref ToolRef) (Resolved, error) {
	name := ref.Name()
	key := LookupKey(l.appID, ref.Namespace, name)
	if l.cache != nil {
		if raw, ok, err := l.cache.Get(ctx, key); err == nil && ok {
			var hit Resolved
			if err := json.Unmarshal([]byte(raw), &hit); err == nil {
				return hit, nil
			}
		} else if err != nil {
			l.logger.Warn("worker: lookup cache read failed", "tool", name, "error", err)
		}
	}

	def, ok, err := tool.GetTool(ctx, l.store, ref.Namespace, name)
	if err != nil {
		return Resolved{}, err
	}
	if !ok {
		return Resolved{}, &tool.NotFoundError{Kind: "tool", Key: name}
	}
	server, ok, err := tool.GetServer(ctx, l.store, ref.Namespace)
	if err != nil {
		return Resolved{}, err
	}
	if !ok {
		return Resolved{}, &tool.NotFoundError{Kind: "tool server", Key: ref.Namespace}
	}

	out := Resolved{Tool: def, Server: server}
	if l.cache != nil {
		if data, err := json.Marshal(out); err == nil {
			if err := l.cache.SetEX(ctx, key, string(data), l.ttl); err != nil {
				l.logger.Warn("worker: lookup cache write failed", "tool", name, "error", err)
			}
		}
	}
	return out, nil
}

// Invalidate drops every cached lookup of namespace.
func (l *Lookup) Invalidate(ctx context.Context, namespace string) error {
	if l.cache == nil {
		return nil
	}
	keys, err := l.cache.Keys(ctx, LookupPattern(l.appID, namespace))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	_, err = l.cache.Del(ctx, keys...)
	return err
}

// Watch invalidates a namespace whenever the registry announces it was
// reconciled.
func (l *Lookup) Watch(ctx context.Context, b bus.Bus) (bus.Subscription, error) {
	return b.Subscribe(ctx, tool.ReconciledChannel(l.appID), func(_, namespace string) {
		invCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
		defer cancel()
		if err := l.Invalidate(invCtx, namespace); err != nil {
			l.logger.Warn("worker: invalidate lookups failed", "namespace", namespace, "error", err)
			return
		}
		l.logger.Debug("worker: invalidated lookups", "namespace", namespace)
	})
}
