package jobs

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/tbourn/go-sync-engine/internal/domain"
)

// Queue names, highest priority first.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// QueuePriorities is the weighted queue set served by the worker pool.
var QueuePriorities = map[string]int{
	QueueCritical: 6,
	QueueDefault:  3,
	QueueLow:      1,
}

// QueueFor routes a job type to its queue. Sweeps are few and fan out, so they
// go first; webhook registrations can wait behind syncs.
func QueueFor(jobType string) string {
	switch jobType {
	case domain.JobDueSweep, domain.JobWebhookSweep, domain.JobTokenRefreshSweep:
		return QueueCritical
	case domain.JobWebhookRegister:
		return QueueLow
	default:
		return QueueDefault
	}
}

// EncodePayload serializes a task payload. A nil payload encodes as no bytes.
func EncodePayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return sonic.Marshal(v)
}

// DecodeSyncPayload decodes and validates a sync:run payload.
func DecodeSyncPayload(b []byte) (domain.SyncJobPayload, error) {
	var p domain.SyncJobPayload
	if err := sonic.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("decode sync payload: %w", err)
	}
	if _, ok := domain.ParseTrigger(string(p.Trigger)); !ok || p.UserID == "" || !p.Integration.Valid() {
		return p, fmt.Errorf("invalid sync payload %+v", p)
	}
	return p, nil
}

// DecodePairPayload decodes and validates a per-pair payload.
func DecodePairPayload(b []byte) (domain.PairJobPayload, error) {
	var p domain.PairJobPayload
	if err := sonic.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("decode pair payload: %w", err)
	}
	if p.UserID == "" || !p.Integration.Valid() {
		return p, fmt.Errorf("invalid pair payload %+v", p)
	}
	return p, nil
}
