package tool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entryKey struct {
	kind      EntryKind
	namespace string
	name      string
}

// MemoryStore keeps registry state in process memory. It backs tests and
// single-process runs that do not need persistence.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[entryKey]Entry
	config  map[string]string
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[entryKey]Entry),
		config:  make(map[string]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GetEntry implements Store.
func (s *MemoryStore) GetEntry(ctx context.Context, kind EntryKind, namespace, name string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryKey{kind, namespace, name}]
	return cloneEntry(e), ok, nil
}

// ListEntries implements Store.
func (s *MemoryStore) ListEntries(ctx context.Context, kind EntryKind, namespace string, includeDeleted bool) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for k, e := range s.entries {
		if k.kind != kind || (namespace != "" && k.namespace != namespace) {
			continue
		}
		if e.IsDeleted && !includeDeleted {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sortEntries(out)
	return out, nil
}

// PutEntry implements Store.
func (s *MemoryStore) PutEntry(ctx context.Context, entry Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(entry, entry.IsDeleted), nil
}

// ApplyDiff implements Store.
func (s *MemoryStore) ApplyDiff(ctx context.Context, kind EntryKind, namespace string, d Diff[Entry]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, group := range []struct {
		entries []Entry
		deleted bool
	}{{d.ToCreate, false}, {d.ToUpdate, false}, {d.ToDelete, true}} {
		for _, e := range group.entries {
			if e.Kind != kind || e.Namespace != namespace {
				return errors.New("tool: diff entry outside the reconciled namespace")
			}
			s.putLocked(e, group.deleted)
		}
	}
	return nil
}

func (s *MemoryStore) putLocked(e Entry, deleted bool) Entry {
	key := entryKey{e.Kind, e.Namespace, e.Name}
	now := s.now()
	if prev, ok := s.entries[key]; ok {
		e.ID = prev.ID
		e.CreatedAt = prev.CreatedAt
	} else {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.CreatedAt = now
	}
	e.IsDeleted = deleted
	e.UpdatedAt = now
	e = cloneEntry(e)
	s.entries[key] = e
	return cloneEntry(e)
}

// GetOrCreateConfig implements vault.KeySource.
func (s *MemoryStore) GetOrCreateConfig(ctx context.Context, key string, generate func() (string, error)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.config[key]; ok {
		return v, nil
	}
	v, err := generate()
	if err != nil {
		return "", err
	}
	s.config[key] = v
	return v, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func cloneEntry(e Entry) Entry {
	if e.Payload != nil {
		e.Payload = append([]byte(nil), e.Payload...)
	}
	return e
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Namespace != entries[j].Namespace {
			return entries[i].Namespace < entries[j].Namespace
		}
		return entries[i].Name < entries[j].Name
	})
}

var _ Store = (*MemoryStore)(nil)
