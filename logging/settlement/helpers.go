package settlement

import (
	"context"

	"stake-arena/server/logging"
)

const (
	// EventSettled is emitted once a terminal snapshot reached both the ledger and the store.
	EventSettled logging.EventType = "settlement.settled"
	// EventAttemptFailed is emitted when a settlement attempt fails and will be retried.
	EventAttemptFailed logging.EventType = "settlement.attempt_failed"
	// EventAbandoned is emitted when retries are exhausted.
	EventAbandoned logging.EventType = "settlement.abandoned"
	// EventRestarted is emitted when an abandoned settlement is started again.
	EventRestarted logging.EventType = "settlement.restarted"
	// EventStoreCorrected is emitted when the store is realigned with the ledger.
	EventStoreCorrected logging.EventType = "settlement.store_corrected"
	// EventCheckpointFailed is emitted when a periodic checkpoint write fails.
	EventCheckpointFailed logging.EventType = "settlement.checkpoint_failed"
)

// SettledPayload summarises a completed settlement.
type SettledPayload struct {
	GameID    string  `json:"gameId"`
	Outcome   string  `json:"outcome"`
	Value     float64 `json:"value"`
	LedgerRef string  `json:"ledgerRef,omitempty"`
	Attempts  int     `json:"attempts"`
	Replayed  bool    `json:"replayed,omitempty"`
}

// FailurePayload describes a failed stage of a settlement.
type FailurePayload struct {
	GameID  string `json:"gameId"`
	Stage   string `json:"stage"`
	Error   string `json:"error"`
	Attempt int    `json:"attempt"`
}

// StoreCorrectedPayload records a store status rewritten from ledger truth.
type StoreCorrectedPayload struct {
	GameID       string `json:"gameId"`
	From         string `json:"from"`
	To           string `json:"to"`
	LedgerStatus string `json:"ledgerStatus"`
}

// CheckpointFailedPayload records a failed checkpoint write.
type CheckpointFailedPayload struct {
	GameID string `json:"gameId"`
	Error  string `json:"error"`
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, actor logging.EntityRef, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategorySettlement,
		Payload:  payload,
		Extra:    extra,
	})
}

// Settled publishes a completed settlement.
func Settled(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SettledPayload, extra map[string]any) {
	publish(ctx, pub, EventSettled, logging.SeverityInfo, actor, payload, extra)
}

// AttemptFailed publishes a retryable failure.
func AttemptFailed(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload FailurePayload, extra map[string]any) {
	publish(ctx, pub, EventAttemptFailed, logging.SeverityWarn, actor, payload, extra)
}

// Abandoned publishes a settlement that gave up. The session stays ACTIVE and
// is picked up again by the reconciler.
func Abandoned(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload FailurePayload, extra map[string]any) {
	publish(ctx, pub, EventAbandoned, logging.SeverityError, actor, payload, extra)
}

// Restarted publishes an abandoned settlement being retried.
func Restarted(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload FailurePayload, extra map[string]any) {
	publish(ctx, pub, EventRestarted, logging.SeverityInfo, actor, payload, extra)
}

// StoreCorrected publishes a store realignment.
func StoreCorrected(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload StoreCorrectedPayload, extra map[string]any) {
	publish(ctx, pub, EventStoreCorrected, logging.SeverityWarn, actor, payload, extra)
}

// CheckpointFailed publishes a failed checkpoint write.
func CheckpointFailed(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload CheckpointFailedPayload, extra map[string]any) {
	publish(ctx, pub, EventCheckpointFailed, logging.SeverityWarn, actor, payload, extra)
}
