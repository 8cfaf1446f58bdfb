package tool

import (
	"bytes"
	"encoding/json"
)

// Diff is the set of changes that converges persisted entries to the latest
// manifest. ToUpdate entries are already merged and keep persisted identity.
// Unchanged holds entries present in both sets whose merge is a no-op; they
// need no write.
type Diff[T any] struct {
	ToCreate  []T
	ToUpdate  []T
	ToDelete  []T
	Unchanged []T
}

// Empty reports whether applying the diff would change nothing.
func (d Diff[T]) Empty() bool {
	return len(d.ToCreate) == 0 && len(d.ToUpdate) == 0 && len(d.ToDelete) == 0
}

// DiffSummary counts the changes of one reconciled collection.
type DiffSummary struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// Summary returns the change counts of d.
func (d Diff[T]) Summary() DiffSummary {
	return DiffSummary{Created: len(d.ToCreate), Updated: len(d.ToUpdate), Deleted: len(d.ToDelete)}
}

// ComputeDiff compares current (persisted, non-deleted) entries with latest
// by key. Latest entries missing from current are created and current
// entries missing from latest are deleted. Entries in both are merged with
// merge(existing, latest) and land in ToUpdate only when the merge changes
// their content. Output order follows the input order. When latest repeats
// a key, the first occurrence wins.
func ComputeDiff[T any](current, latest []T, key func(T) string, merge func(existing, latest T) T) Diff[T] {
	existing := make(map[string]T, len(current))
	for _, item := range current {
		existing[key(item)] = item
	}

	var d Diff[T]
	seen := make(map[string]struct{}, len(latest))
	for _, item := range latest {
		k := key(item)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if prev, ok := existing[k]; ok {
			merged := merge(prev, item)
			if sameContent(prev, merged) {
				d.Unchanged = append(d.Unchanged, prev)
			} else {
				d.ToUpdate = append(d.ToUpdate, merged)
			}
			continue
		}
		d.ToCreate = append(d.ToCreate, item)
	}
	for _, item := range current {
		if _, ok := seen[key(item)]; !ok {
			d.ToDelete = append(d.ToDelete, item)
		}
	}
	return d
}

// sameContent compares the persisted form of two entries, so nil and empty
// collections are equal.
func sameContent[T any](a, b T) bool {
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

// ToolKey identifies a tool definition within its namespace.
func ToolKey(t ToolDefinition) string { return t.Name }

// CredentialTypeKey identifies a credential type within its namespace.
func CredentialTypeKey(c CredentialType) string { return c.Name }

// TriggerTypeKey identifies a trigger type within its namespace.
func TriggerTypeKey(t TriggerType) string { return t.Type }

// MergeTool overwrites the mutable fields of existing with latest.
func MergeTool(existing, latest ToolDefinition) ToolDefinition {
	merged := existing
	merged.DisplayName = latest.DisplayName
	merged.Description = latest.Description
	merged.Categories = latest.Categories
	merged.Icon = latest.Icon
	merged.Credentials = latest.Credentials
	merged.Input = latest.Input
	merged.Output = latest.Output
	merged.Rules = latest.Rules
	merged.Extra = latest.Extra
	merged.APIInfo = latest.APIInfo
	merged.IsDeleted = false
	return merged
}

// MergeCredentialType overwrites the mutable fields of existing with latest.
func MergeCredentialType(existing, latest CredentialType) CredentialType {
	merged := existing
	merged.DisplayName = latest.DisplayName
	merged.Description = latest.Description
	merged.IconURL = latest.IconURL
	merged.Type = latest.Type
	merged.Properties = latest.Properties
	merged.IsDeleted = false
	return merged
}

// MergeTriggerType overwrites the mutable fields of existing with latest.
func MergeTriggerType(existing, latest TriggerType) TriggerType {
	merged := existing
	merged.DisplayName = latest.DisplayName
	merged.Description = latest.Description
	merged.Icon = latest.Icon
	merged.Properties = latest.Properties
	merged.WorkflowInputs = latest.WorkflowInputs
	merged.IsDeleted = false
	return merged
}
