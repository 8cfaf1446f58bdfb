package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/toolrelay/vault"
)

// EntryKind names one persisted collection.
type EntryKind string

const (
	KindServer         EntryKind = "server"
	KindTool           EntryKind = "tool"
	KindCredentialType EntryKind = "credential_type"
	KindTriggerType    EntryKind = "trigger_type"
	KindCredential     EntryKind = "credential"
)

// Entry is the storage form shared by every collection: identity columns
// plus the JSON payload of the typed record. (Kind, Namespace, Name) is
// unique; ID is assigned on first insert and never rotated.
type Entry struct {
	Kind      EntryKind
	Namespace string
	Name      string
	ID        string
	IsDeleted bool
	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists registry state. Backends only move entries; the typed
// helpers in this package encode and decode payloads.
type Store interface {
	vault.KeySource

	// GetEntry returns one entry, including soft-deleted ones.
	GetEntry(ctx context.Context, kind EntryKind, namespace, name string) (Entry, bool, error)
	// ListEntries returns entries of kind ordered by namespace then name.
	// An empty namespace lists every namespace.
	ListEntries(ctx context.Context, kind EntryKind, namespace string, includeDeleted bool) ([]Entry, error)
	// PutEntry inserts or overwrites one entry, keeping an existing ID.
	PutEntry(ctx context.Context, entry Entry) (Entry, error)
	// ApplyDiff writes a reconciliation diff for one namespace atomically.
	// ToDelete entries are soft-deleted.
	ApplyDiff(ctx context.Context, kind EntryKind, namespace string, diff Diff[Entry]) error
	Close() error
}

var errStoreNil = errors.New("tool: store is nil")

// entity is implemented by every typed record persisted through a Store.
type entity interface {
	entryIdentity() (kind EntryKind, namespace, name string)
	setEntryMeta(e Entry)
}

type entityPtr[T any] interface {
	*T
	entity
}

func (s *ToolServer) entryIdentity() (EntryKind, string, string) {
	return KindServer, s.Namespace, s.Namespace
}

func (s *ToolServer) setEntryMeta(e Entry) {
	s.ID, s.IsDeleted, s.CreatedAt, s.UpdatedAt = e.ID, e.IsDeleted, e.CreatedAt, e.UpdatedAt
}

func (t *ToolDefinition) entryIdentity() (EntryKind, string, string) {
	return KindTool, t.Namespace, t.Name
}

func (t *ToolDefinition) setEntryMeta(e Entry) {
	t.ID, t.IsDeleted, t.CreatedAt, t.UpdatedAt = e.ID, e.IsDeleted, e.CreatedAt, e.UpdatedAt
}

func (c *CredentialType) entryIdentity() (EntryKind, string, string) {
	return KindCredentialType, c.Namespace, c.Name
}

func (c *CredentialType) setEntryMeta(e Entry) {
	c.ID, c.IsDeleted, c.CreatedAt, c.UpdatedAt = e.ID, e.IsDeleted, e.CreatedAt, e.UpdatedAt
}

func (t *TriggerType) entryIdentity() (EntryKind, string, string) {
	return KindTriggerType, t.Namespace, t.Type
}

func (t *TriggerType) setEntryMeta(e Entry) {
	t.ID, t.IsDeleted, t.CreatedAt, t.UpdatedAt = e.ID, e.IsDeleted, e.CreatedAt, e.UpdatedAt
}

// Credentials are keyed by team and ID.
func (c *Credential) entryIdentity() (EntryKind, string, string) {
	return KindCredential, c.TeamID, c.ID
}

func (c *Credential) setEntryMeta(e Entry) {
	c.ID, c.IsDeleted, c.CreatedAt, c.UpdatedAt = e.ID, e.IsDeleted, e.CreatedAt, e.UpdatedAt
}

func encodeEntity[T any, P entityPtr[T]](item T) (Entry, error) {
	kind, namespace, name := P(&item).entryIdentity()
	payload, err := json.Marshal(item)
	if err != nil {
		return Entry{}, fmt.Errorf("tool: encode %s %q: %w", kind, name, err)
	}
	e := Entry{Kind: kind, Namespace: namespace, Name: name, Payload: payload}
	switch v := any(&item).(type) {
	case *ToolServer:
		e.ID, e.IsDeleted = v.ID, v.IsDeleted
	case *ToolDefinition:
		e.ID, e.IsDeleted = v.ID, v.IsDeleted
	case *CredentialType:
		e.ID, e.IsDeleted = v.ID, v.IsDeleted
	case *TriggerType:
		e.ID, e.IsDeleted = v.ID, v.IsDeleted
	case *Credential:
		e.ID, e.IsDeleted = v.ID, v.IsDeleted
	}
	return e, nil
}

func decodeEntity[T any, P entityPtr[T]](e Entry) (T, error) {
	var item T
	if err := json.Unmarshal(e.Payload, &item); err != nil {
		return item, fmt.Errorf("tool: decode %s %q: %w", e.Kind, e.Name, err)
	}
	P(&item).setEntryMeta(e)
	return item, nil
}

func getEntity[T any, P entityPtr[T]](ctx context.Context, s Store, kind EntryKind, namespace, name string) (T, bool, error) {
	var zero T
	if s == nil {
		return zero, false, errStoreNil
	}
	e, ok, err := s.GetEntry(ctx, kind, namespace, name)
	if err != nil || !ok {
		return zero, ok, err
	}
	item, err := decodeEntity[T, P](e)
	if err != nil {
		return zero, false, err
	}
	return item, true, nil
}

func listEntities[T any, P entityPtr[T]](ctx context.Context, s Store, kind EntryKind, namespace string, includeDeleted bool) ([]T, error) {
	if s == nil {
		return nil, errStoreNil
	}
	entries, err := s.ListEntries(ctx, kind, namespace, includeDeleted)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		item, err := decodeEntity[T, P](e)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func putEntity[T any, P entityPtr[T]](ctx context.Context, s Store, item T) (T, error) {
	var zero T
	if s == nil {
		return zero, errStoreNil
	}
	e, err := encodeEntity[T, P](item)
	if err != nil {
		return zero, err
	}
	stored, err := s.PutEntry(ctx, e)
	if err != nil {
		return zero, err
	}
	P(&item).setEntryMeta(stored)
	return item, nil
}

func applyEntityDiff[T any, P entityPtr[T]](ctx context.Context, s Store, kind EntryKind, namespace string, d Diff[T]) error {
	if s == nil {
		return errStoreNil
	}
	var (
		out Diff[Entry]
		err error
	)
	if out.ToCreate, err = encodeEntities[T, P](d.ToCreate); err != nil {
		return err
	}
	if out.ToUpdate, err = encodeEntities[T, P](d.ToUpdate); err != nil {
		return err
	}
	if out.ToDelete, err = encodeEntities[T, P](d.ToDelete); err != nil {
		return err
	}
	return s.ApplyDiff(ctx, kind, namespace, out)
}

func encodeEntities[T any, P entityPtr[T]](items []T) ([]Entry, error) {
	out := make([]Entry, 0, len(items))
	for _, item := range items {
		e, err := encodeEntity[T, P](item)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// GetServer returns the tool server registered under namespace.
func GetServer(ctx context.Context, s Store, namespace string) (ToolServer, bool, error) {
	return getEntity[ToolServer](ctx, s, KindServer, namespace, namespace)
}

// ListServers returns every server, optionally including soft-deleted ones.
func ListServers(ctx context.Context, s Store, includeDeleted bool) ([]ToolServer, error) {
	return listEntities[ToolServer](ctx, s, KindServer, "", includeDeleted)
}

// PutServer upserts a server by namespace, preserving its persisted ID.
func PutServer(ctx context.Context, s Store, server ToolServer) (ToolServer, error) {
	return putEntity(ctx, s, server)
}

// GetTool resolves a tool by dispatch name, soft-deleted ones included.
func GetTool(ctx context.Context, s Store, namespace, name string) (ToolDefinition, bool, error) {
	return getEntity[ToolDefinition](ctx, s, KindTool, namespace, name)
}

// ListTools returns the tools of namespace.
func ListTools(ctx context.Context, s Store, namespace string, includeDeleted bool) ([]ToolDefinition, error) {
	return listEntities[ToolDefinition](ctx, s, KindTool, namespace, includeDeleted)
}

// ApplyToolDiff persists a tool diff for namespace.
func ApplyToolDiff(ctx context.Context, s Store, namespace string, d Diff[ToolDefinition]) error {
	return applyEntityDiff(ctx, s, KindTool, namespace, d)
}

// ListCredentialTypes returns the credential types of namespace.
func ListCredentialTypes(ctx context.Context, s Store, namespace string, includeDeleted bool) ([]CredentialType, error) {
	return listEntities[CredentialType](ctx, s, KindCredentialType, namespace, includeDeleted)
}

// ApplyCredentialTypeDiff persists a credential type diff for namespace.
func ApplyCredentialTypeDiff(ctx context.Context, s Store, namespace string, d Diff[CredentialType]) error {
	return applyEntityDiff(ctx, s, KindCredentialType, namespace, d)
}

// ListTriggerTypes returns the trigger types of namespace.
func ListTriggerTypes(ctx context.Context, s Store, namespace string, includeDeleted bool) ([]TriggerType, error) {
	return listEntities[TriggerType](ctx, s, KindTriggerType, namespace, includeDeleted)
}

// ApplyTriggerTypeDiff persists a trigger type diff for namespace.
func ApplyTriggerTypeDiff(ctx context.Context, s Store, namespace string, d Diff[TriggerType]) error {
	return applyEntityDiff(ctx, s, KindTriggerType, namespace, d)
}

// GetCredential returns one team credential.
func GetCredential(ctx context.Context, s Store, teamID, id string) (Credential, bool, error) {
	return getEntity[Credential](ctx, s, KindCredential, teamID, id)
}

// PutCredential stores a credential. Data must already be vault ciphertext.
func PutCredential(ctx context.Context, s Store, c Credential) (Credential, error) {
	if c.Data != "" && !vault.IsEncrypted(c.Data) {
		return Credential{}, errors.New("tool: credential data must be encrypted")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return putEntity(ctx, s, c)
}
