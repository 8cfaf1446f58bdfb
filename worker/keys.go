package worker

// Cache keys and bus channels owned by the worker pool.

// LookupKey caches the definition and server behind one dispatch name.
func LookupKey(appID, namespace, toolName string) string {
	return appID + ":lookup:" + namespace + ":" + toolName
}

// LookupPattern matches every cached lookup of a namespace.
func LookupPattern(appID, namespace string) string {
	return appID + ":lookup:" + namespace + ":*"
}

// StreamChannel carries streamed tool output for one workflow instance.
func StreamChannel(appID, workflowInstanceID string) string {
	return appID + ":workflow-execution:stream:" + workflowInstanceID
}

// WorkersKey is the set of worker IDs that have polled for this app.
func WorkersKey(appID string) string { return appID + ":workers" }

// InFlightKey lists the task IDs a worker is currently executing.
func InFlightKey(appID, workerID string) string {
	return appID + ":worker:" + workerID + ":inflight"
}

// StreamDone terminates a stream channel.
const StreamDone = "[DONE]"
