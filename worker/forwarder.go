package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/petal-labs/toolrelay/bus"
	"github.com/petal-labs/toolrelay/conductor"
	"github.com/petal-labs/toolrelay/ratelimit"
	"github.com/petal-labs/toolrelay/tool"
	"github.com/petal-labs/toolrelay/vault"
)

// Headers identifying the caller to tool servers.
const (
	HeaderUserID             = "x-toolrelay-userid"
	HeaderTeamID             = "x-toolrelay-teamid"
	HeaderWorkflowInstanceID = "x-toolrelay-workflow-instanceid"
	HeaderTaskID             = "x-toolrelay-workflow-taskid"
)

const (
	defaultCallTimeout      = 10 * time.Minute
	defaultMaxResponseBytes = 32 << 20
	streamChunkBytes        = 32 << 10
	errorSnippetBytes       = 512
)

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	Lookup *Lookup
	// Store and Vault serve credential lookups. Optional when no task
	// carries a credential.
	Store tool.Store
	Vault *vault.Vault
	// Bus receives streamed output. Required for outputAs=stream.
	Bus bus.Bus
	// Limiter enforces per-server rate limits declared in manifests.
	Limiter ratelimit.Limiter
	AppID   string

	HTTPClient *http.Client
	// Timeout bounds one tool call (default: 10m).
	Timeout time.Duration
	// MaxResponseBytes caps buffered JSON responses (default: 32 MiB).
	MaxResponseBytes int64

	Observer tool.Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Forwarder turns one queue task into one HTTP call against the tool server
// that owns the named tool.
type Forwarder struct {
	lookup   *Lookup
	store    tool.Store
	vault    *vault.Vault
	bus      bus.Bus
	limiter  ratelimit.Limiter
	appID    string
	client   *http.Client
	maxBytes int64
	observer tool.Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewForwarder creates a forwarder.
func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	if cfg.Lookup == nil {
		return nil, errors.New("worker: forwarder lookup is nil")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = tool.NewHTTPClient(cfg.Timeout)
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.Observer == nil {
		cfg.Observer = tool.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Forwarder{
		lookup:   cfg.Lookup,
		store:    cfg.Store,
		vault:    cfg.Vault,
		bus:      cfg.Bus,
		limiter:  cfg.Limiter,
		appID:    cfg.AppID,
		client:   cfg.HTTPClient,
		maxBytes: cfg.MaxResponseBytes,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// callOutcome carries what the observer needs beyond the task result.
type callOutcome struct {
	ref        ToolRef
	stream     bool
	statusCode int
}

// Execute runs task and always returns an outcome: COMPLETED with the tool's
// output, or FAILED with {success:false, errMsg}. Panics are converted to
// FAILED as well.
func (f *Forwarder) Execute(ctx context.Context, task conductor.Task) (result conductor.TaskResult) {
	start := f.now()
	var oc callOutcome
	defer func() {
		if p := recover(); p != nil {
			f.logger.Error("worker: task handler panicked", "task_id", task.TaskID, "panic", p)
			result = failed(task, fmt.Errorf("worker: task handler panicked: %v", p))
		}
		f.observer.ObserveTask(tool.TaskObservation{
			ToolName:   oc.ref.Name(),
			Namespace:  oc.ref.Namespace,
			Completed:  result.Status == conductor.StatusCompleted,
			Stream:     oc.stream,
			DurationMS: f.now().Sub(start).Milliseconds(),
			StatusCode: oc.statusCode,
			ErrorCode:  result.ReasonForIncompletion,
		})
	}()

	output, err := f.execute(ctx, task, &oc)
	if err != nil {
		f.logger.Warn("worker: tool call failed",
			"task_id", task.TaskID,
			"tool", oc.ref.Name(),
			"code", tool.ErrorCode(err),
			"error", err,
		)
		return failed(task, err)
	}
	f.logger.Info("worker: tool call completed", "task_id", task.TaskID, "tool", oc.ref.Name())
	return conductor.TaskResult{
		WorkflowInstanceID: task.WorkflowInstanceID,
		TaskID:             task.TaskID,
		Status:             conductor.StatusCompleted,
		OutputData:         output,
	}
}

func (f *Forwarder) execute(ctx context.Context, task conductor.Task, oc *callOutcome) (map[string]any, error) {
	in, err := ParseTaskInput(task.InputData)
	if err != nil {
		return nil, &tool.ValidationError{Field: KeyToolName, Reason: err.Error()}
	}
	ref, err := ParseToolName(in.ToolName)
	if err != nil {
		return nil, err
	}
	oc.ref = ref
	oc.stream = in.Advanced.OutputAs == OutputStream

	resolved, err := f.lookup.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	server := resolved.Server
	method, path := ref.Method, ref.Path
	if resolved.Tool.APIInfo.Method != "" {
		method, path = resolved.Tool.APIInfo.Method, resolved.Tool.APIInfo.Path
	}

	desc, err := BuildRequest(method, path, in.Params)
	if err != nil {
		return nil, err
	}
	if in.Credential != nil {
		sealed, err := f.resealCredential(ctx, server, in.Context.TeamID, in.Credential.ID)
		if err != nil {
			return nil, err
		}
		desc.Body[KeyCredential] = map[string]any{"id": in.Credential.ID, "encryptedData": sealed}
	}

	headers, err := f.headers(server, task, in.Context)
	if err != nil {
		return nil, err
	}
	if err := f.allow(ctx, server); err != nil {
		return nil, err
	}

	workflowID := task.WorkflowInstanceID
	if workflowID == "" {
		workflowID = in.Context.WorkflowInstanceID
	}
	return f.call(ctx, server, desc, headers, oc, workflowID)
}

func (f *Forwarder) headers(server tool.ToolServer, task conductor.Task, tc TaskContext) (http.Header, error) {
	h := http.Header{}
	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		}
	}
	appID := tc.AppID
	if appID == "" {
		appID = f.appID
	}
	set(tool.HeaderAppID, appID)
	set(HeaderUserID, tc.UserID)
	set(HeaderTeamID, tc.TeamID)
	set(HeaderWorkflowInstanceID, firstNonEmpty(task.WorkflowInstanceID, tc.WorkflowInstanceID))
	set(HeaderTaskID, task.TaskID)

	if server.Auth.Type == tool.AuthServiceHTTP {
		if t := strings.ToLower(strings.TrimSpace(server.Auth.AuthorizationType)); t != "" && t != "bearer" {
			return nil, &tool.ValidationError{Source: server.Namespace, Field: "auth.authorization_type", Reason: fmt.Sprintf("%q is not supported", server.Auth.AuthorizationType)}
		}
		token, ok := server.Auth.BearerToken(f.appID)
		if !ok {
			return nil, &tool.ValidationError{Source: server.Namespace, Field: "auth.verification_tokens", Reason: fmt.Sprintf("no token for app %q", f.appID)}
		}
		h.Set("Authorization", "Bearer "+token)
	}
	return h, nil
}

func (f *Forwarder) allow(ctx context.Context, server tool.ToolServer) error {
	if f.limiter == nil || server.RateLimit == nil || !server.RateLimit.Enabled() {
		return nil
	}
	key := f.appID + ":ratelimit:" + server.Namespace
	ok, err := f.limiter.Can(ctx, key, server.RateLimit.Window(), server.RateLimit.MaxRequests)
	if err != nil {
		return fmt.Errorf("worker: rate limit check for %s: %w", server.Namespace, err)
	}
	if !ok {
		return fmt.Errorf("worker: %s: %w (%d per %s)", server.Namespace, ratelimit.ErrRateLimited, server.RateLimit.MaxRequests, server.RateLimit.Window())
	}
	return nil
}

// resealCredential decrypts a team credential with the system key and
// encrypts it again with the tool server's own key, so only that server can
// read it.
func (f *Forwarder) resealCredential(ctx context.Context, server tool.ToolServer, teamID, id string) (string, error) {
	if f.store == nil || f.vault == nil {
		return "", errors.New("worker: credential store is not configured")
	}
	cred, ok, err := tool.GetCredential(ctx, f.store, teamID, id)
	if err != nil {
		return "", err
	}
	if !ok || cred.IsDeleted {
		return "", &tool.NotFoundError{Kind: "credential", Key: id}
	}
	var plain any
	if err := f.vault.Decrypt(cred.Data, &plain); err != nil {
		return "", fmt.Errorf("worker: decrypt credential %s: %w", id, err)
	}
	if server.CredentialEncryptKey == "" {
		return "", &tool.ValidationError{Source: server.Namespace, Field: "credentialEncryptKey", Reason: "server accepts no credentials"}
	}
	serverKey, err := f.vault.DecryptString(server.CredentialEncryptKey)
	if err != nil {
		return "", fmt.Errorf("worker: decrypt server key for %s: %w", server.Namespace, err)
	}
	sv, err := vault.NewWithKey([]byte(serverKey))
	if err != nil {
		return "", err
	}
	return sv.Encrypt(plain)
}

func (f *Forwarder) call(ctx context.Context, server tool.ToolServer, desc RequestDescriptor, headers http.Header, oc *callOutcome, workflowID string) (map[string]any, error) {
	target := strings.TrimRight(server.BaseURL, "/") + desc.Path
	if len(desc.Query) > 0 {
		target += "?" + desc.Query.Encode()
	}

	var body io.Reader
	if len(desc.Body) > 0 {
		data, err := json.Marshal(desc.Body)
		if err != nil {
			return nil, fmt.Errorf("worker: encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, desc.Method, target, body)
	if err != nil {
		return nil, &tool.RemoteError{Op: "build request", URL: target, Cause: err}
	}
	req.Header = headers
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if oc.stream {
		req.Header.Set("Accept", "text/event-stream, application/json;q=0.9, */*;q=0.8")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, &tool.RemoteError{Op: "call tool", URL: target, Cause: fmt.Errorf("%s service is not available: %w", server.Namespace, err)}
		}
		return nil, &tool.RemoteError{Op: "call tool", URL: target, Cause: err}
	}
	defer resp.Body.Close()
	oc.statusCode = resp.StatusCode

	if oc.stream {
		return f.relayStream(ctx, resp, target, workflowID)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &tool.RemoteError{Op: "read response", URL: target, StatusCode: resp.StatusCode, Cause: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &tool.RemoteError{Op: "call tool", URL: target, StatusCode: resp.StatusCode, Body: snippet(data)}
	}
	if int64(len(data)) > f.maxBytes {
		return nil, &tool.RemoteError{Op: "read response", URL: target, StatusCode: resp.StatusCode, Cause: fmt.Errorf("response exceeds %d bytes", f.maxBytes)}
	}
	return decodeOutput(data), nil
}

// relayStream publishes the response body chunk by chunk, then the
// terminator. Error responses are published as one SSE data frame.
func (f *Forwarder) relayStream(ctx context.Context, resp *http.Response, target, workflowID string) (map[string]any, error) {
	if f.bus == nil {
		return nil, errors.New("worker: stream output requires a message bus")
	}
	channel := StreamChannel(f.appID, workflowID)
	publish := func(msg string) {
		if err := f.bus.Publish(ctx, channel, msg); err != nil {
			f.logger.Warn("worker: publish stream chunk failed", "channel", channel, "error", err)
		}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
		text := strings.TrimSpace(string(data))
		publish("data: " + text + "\n\n")
		publish(StreamDone)
		return nil, &tool.RemoteError{Op: "call tool", URL: target, StatusCode: resp.StatusCode, Body: snippet(data)}
	}

	buf := make([]byte, streamChunkBytes)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			publish(string(buf[:n]))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			publish(StreamDone)
			return nil, &tool.RemoteError{Op: "read stream", URL: target, StatusCode: resp.StatusCode, Cause: err}
		}
	}
	publish(StreamDone)
	return map[string]any{
		"stream":  true,
		"message": "This tool outputs stream data, which is not displayed",
	}, nil
}

// decodeOutput keeps JSON objects as-is and wraps everything else as
// {"data": value}.
func decodeOutput(data []byte) map[string]any {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return map[string]any{"data": string(data)}
	}
	if obj, ok := v.(map[string]any); ok {
		return obj
	}
	return map[string]any{"data": v}
}

func failed(task conductor.Task, err error) conductor.TaskResult {
	return conductor.TaskResult{
		WorkflowInstanceID: task.WorkflowInstanceID,
		TaskID:             task.TaskID,
		Status:             conductor.StatusFailed,
		OutputData: map[string]any{
			"success": false,
			"errMsg":  err.Error(),
		},
		ReasonForIncompletion: tool.ErrorCode(err),
	}
}

func snippet(data []byte) string {
	return tool.BodySnippet(data, errorSnippetBytes)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
