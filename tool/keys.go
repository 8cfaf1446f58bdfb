package tool

// Shared cache keys, lock resources and bus channels. Every name is
// prefixed with the application ID so tenants sharing one Redis stay apart.

// ReconciledChannel carries the namespace of every successful reconcile.
func ReconciledChannel(appID string) string { return appID + ":tools:reconciled" }

// NamespacesKey is the set of namespaces reconciled at least once.
func NamespacesKey(appID string) string { return appID + ":tools:namespaces" }

// SyncRequestsKey is the list of manifest URLs queued for registration.
func SyncRequestsKey(appID string) string { return appID + ":tools:sync-requests" }

// SyncLockResource guards the periodic reconciliation job.
func SyncLockResource(appID string) string { return appID + ":cron:sync-tools" }

// HealthLockResource guards the periodic health-check job.
func HealthLockResource(appID string) string { return appID + ":cron:health-check" }
