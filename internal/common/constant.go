package common

const (
	// BrokerSecretHeaderName is the gRPC metadata key carrying the shared
	// secret of internal broker callers.
	BrokerSecretHeaderName = "x-broker-secret"

	// IdempotencyKeyHeaderName is the HTTP header carrying a client idempotency key.
	IdempotencyKeyHeaderName = "Idempotency-Key"

	// IdempotencyReplayedHeaderName marks responses served from the idempotency store.
	IdempotencyReplayedHeaderName = "X-Idempotency-Replayed"
)
