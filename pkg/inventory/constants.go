package inventory

import "time"

const (
	operationReserve        = "reserve"
	operationRelease        = "release"
	operationCommit         = "commit"
	operationCreateHold     = "create_hold"
	operationConsumeHold    = "consume_hold"
	operationCreateOrder    = "create_order"
	operationMarkPaid       = "mark_paid"
	operationCancelOrder    = "cancel_order"
	operationHandleWebhook  = "handle_webhook"
	operationSweep          = "sweep"
	operationReclaimHold    = "reclaim_hold"
	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusNoop     = "noop"
	operationStatusReplayed = "replayed"

	subjectStock   = "stock"
	subjectHold    = "hold"
	subjectOrder   = "order"
	subjectWebhook = "webhook"

	codeInsufficient = "insufficient"
	codeConflict     = "conflict"
	codeUsed         = "used"
	codeExpired      = "expired"

	// EventOrderCreated and the following event types are emitted into the outbox.
	EventOrderCreated   = "order.created"
	EventOrderPaid      = "order.paid"
	EventOrderCancelled = "order.cancelled"
	EventHoldExpired    = "hold.expired"

	AggregateOrder = "order"
	AggregateHold  = "hold"

	DefaultHoldTTL          = 2 * time.Minute
	DefaultReserveAttempts  = 5
	DefaultReclaimBatchSize = 100
	maxIdempotencyKeyLength = 255
)
