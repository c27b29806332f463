// Package orchestrator coordinates the lifecycle of intelligence-gathering
// requests: accepting submissions, driving them through the workflow
// executor under a processing strategy, and answering status, result, and
// cancellation calls.
package orchestrator

import (
	"context"

	"github.com/argos-intel/argos/internal/model"
	"github.com/argos-intel/argos/internal/queue"
)

// Strategy decides how pending requests reach the workflow executor.
//
// Two implementations exist: Table polls the store directly with a single
// loop and never retries; QueueStrategy fans messages out to a worker pool
// with retry and dead-letter handling. Exactly one strategy runs per
// deployment; mixing strategies against one store is unsupported.
type Strategy interface {
	// Dispatch notifies the strategy that a pending request was stored.
	// The table strategy ignores this (its poller will find the record);
	// the queue strategy enqueues a message.
	Dispatch(ctx context.Context, req model.Request) error

	// Start launches the strategy's background processing. It returns
	// immediately; a second call is a no-op.
	Start(ctx context.Context) error

	// Drain stops accepting new work and waits for in-flight requests to
	// finish, bounded by ctx.
	Drain(ctx context.Context) error

	// DeadLetters lists requests whose retries were exhausted. Strategies
	// without a dead-letter queue return an empty list.
	DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error)
}
