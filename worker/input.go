package worker

import (
	"encoding/json"
	"fmt"
)

// Output modes selected by __advancedConfig.outputAs.
const (
	OutputJSON   = "json"
	OutputStream = "stream"
)

// TaskContext is the caller identity carried in __context.
type TaskContext struct {
	AppID              string `json:"appId"`
	UserID             string `json:"userId"`
	TeamID             string `json:"teamId"`
	WorkflowInstanceID string `json:"workflowInstanceId,omitempty"`
}

// AdvancedConfig is the optional __advancedConfig block.
type AdvancedConfig struct {
	OutputAs string `json:"outputAs"`
}

// CredentialInput selects a stored team credential for the call.
type CredentialInput struct {
	ID string `json:"id"`
}

// TaskInput is the reserved part of a task's input data.
type TaskInput struct {
	ToolName   string
	Context    TaskContext
	Advanced   AdvancedConfig
	Credential *CredentialInput
	Params     map[string]any
}

// ParseTaskInput extracts the reserved keys from raw input data.
func ParseTaskInput(raw map[string]any) (TaskInput, error) {
	in := TaskInput{Params: raw}
	name, _ := raw[KeyToolName].(string)
	if name == "" {
		return TaskInput{}, fmt.Errorf("worker: %s is missing", KeyToolName)
	}
	in.ToolName = name

	if err := decodeReserved(raw, KeyContext, &in.Context); err != nil {
		return TaskInput{}, err
	}
	if err := decodeReserved(raw, KeyAdvancedConfig, &in.Advanced); err != nil {
		return TaskInput{}, err
	}
	if in.Advanced.OutputAs == "" {
		in.Advanced.OutputAs = OutputJSON
	}
	if _, ok := raw[KeyCredential]; ok {
		var cred CredentialInput
		if err := decodeReserved(raw, KeyCredential, &cred); err != nil {
			return TaskInput{}, err
		}
		if cred.ID != "" {
			in.Credential = &cred
		}
	}
	return in, nil
}

// decodeReserved re-decodes a nested JSON object into out. Missing or null
// values leave out untouched.
func decodeReserved(raw map[string]any, key string, out any) error {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("worker: encode %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("worker: decode %s: %w", key, err)
	}
	return nil
}
