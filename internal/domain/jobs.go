package domain

// Job types understood by the worker pool.
const (
	JobSync              = "sync:run"
	JobWebhookRegister   = "webhook:register"
	JobDueSweep          = "sweep:due"
	JobWebhookSweep      = "sweep:webhooks"
	JobTokenRefreshSweep = "sweep:token_refresh"
)

// SyncJobPayload is the payload of a JobSync task.
type SyncJobPayload struct {
	UserID      string      `json:"user_id"`
	Integration Integration `json:"integration"`
	Trigger     TriggerType `json:"trigger"`
}

// PairJobPayload addresses a single (user, integration) pair.
type PairJobPayload struct {
	UserID      string      `json:"user_id"`
	Integration Integration `json:"integration"`
}

// SyncDedupeKey is the per-pair dedupe key for sync jobs. At most one sync
// job per pair is queued at a time regardless of trigger.
func SyncDedupeKey(k PairKey) string { return "sync:" + k.String() }

// WebhookDedupeKey is the per-pair dedupe key for registration jobs.
func WebhookDedupeKey(k PairKey) string { return "webhook:" + k.String() }
