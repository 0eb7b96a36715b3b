/*
Package events provides an in-memory event broker for Nexus domain events.

The events package implements a lightweight event bus for broadcasting
authentication, batch, and transfer events to interested subscribers. Delivery
is synchronous on the publisher's goroutine, which keeps per-type ordering
intact and makes the bus safe to use as an audit trail source: when Publish
returns, every subscriber has seen the event.

# Architecture

Nexus's event system is a deliberately small synchronous fan-out:

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │              Event Broker                   │          │
	│  │  - In-memory, process-wide                  │          │
	│  │  - Topic-agnostic (all events broadcast)    │          │
	│  │  - Synchronous publish, ordered delivery    │          │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Event Types                       │          │
	│  │                                             │          │
	│  │  Auth Events:                               │          │
	│  │    - auth.login.success / failure           │          │
	│  │    - auth.logout                            │          │
	│  │    - auth.passkey.registered                │          │
	│  │    - auth.passkey.authenticated             │          │
	│  │    - auth.twofactor.enabled / disabled      │          │
	│  │                                             │          │
	│  │  Batch Events:                              │          │
	│  │    - batch.started                          │          │
	│  │    - batch.subtask.update                   │          │
	│  │    - batch.completed / cancelled            │          │
	│  │                                             │          │
	│  │  Transfer Events:                           │          │
	│  │    - transfer.started                       │          │
	│  │    - transfer.subtask.update                │          │
	│  │    - transfer.completed / cancelled         │          │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │            Subscribers                      │          │
	│  │                                             │          │
	│  │  Audit log: structured security trail       │          │
	│  │  Metrics: login counters for dashboards     │          │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Handlers registered once at startup, never removed
  - Synchronous publish: handlers run before Publish returns
  - No Start/Stop lifecycle; a zero broker is unusable, use NewBroker

Event:
  - ID: Optional event identifier (callers may leave it empty)
  - Type: Event type (auth.login.success, batch.started, etc.)
  - Timestamp: When the event occurred; Publish fills it when zero
  - Message: Human-readable description
  - Metadata: Key-value pairs for additional context

Handler:
  - Plain func(*Event) invoked on the publisher's goroutine
  - Must not block; slow work is handed to a goroutine by the handler
  - Registered via broker.Subscribe()

# Event Flow

Publish Flow:
 1. Publisher calls broker.Publish(event)
 2. Publish stamps the Timestamp when it is zero
 3. Handlers run one by one, in registration order
 4. Publish returns after the last handler returns

Subscribe Flow:
 1. Subscriber calls broker.Subscribe(handler) during startup
 2. Handler appended to the broker's handler list
 3. Handler observes every event published afterwards

There is no unsubscribe. Subscribers live as long as the process, which
removes the channel bookkeeping and leak class an unsubscribe API brings.

# Usage

Subscribing to Events:

	import "github.com/nexushq/nexus/pkg/events"

	broker := events.NewBroker()
	broker.Subscribe(func(e *events.Event) {
		fmt.Printf("Event: %s - %s\n", e.Type, e.Message)
	})

Publishing Events:

	broker.Publish(&events.Event{
		Type:    events.EventLoginSuccess,
		Message: "user authenticated",
		Metadata: map[string]string{
			"user_id":  "u-123",
			"username": "alice",
			"method":   "password",
		},
	})

Filtering Events by Type:

	broker.Subscribe(func(e *events.Event) {
		switch e.Type {
		case events.EventLoginFailure:
			recordFailure(e)
		case events.EventBatchCompleted, events.EventBatchCancelled:
			recordBatchOutcome(e)
		default:
			// Ignore other events
		}
	})

Handling Slow Consumers:

	// Handlers run on the publisher's goroutine. Anything slow must be
	// handed off so the publishing operation is not stalled.
	updates := make(chan *events.Event, 256)
	broker.Subscribe(func(e *events.Event) {
		select {
		case updates <- e:
		default:
			// drop rather than block the publisher
		}
	})
	go func() {
		for e := range updates {
			forwardToWebSocket(e)
		}
	}()

Complete Example:

	package main

	import (
		"fmt"
		"github.com/nexushq/nexus/pkg/events"
	)

	func main() {
		broker := events.NewBroker()

		broker.Subscribe(func(e *events.Event) {
			fmt.Printf("[%s] %s: %s\n",
				e.Timestamp.Format("15:04:05"),
				e.Type,
				e.Message)
		})

		broker.Publish(&events.Event{
			Type:    events.EventBatchStarted,
			Message: "batch task started",
			Metadata: map[string]string{
				"task_id": "task-123",
			},
		})

		broker.Publish(&events.Event{
			Type:    events.EventBatchCompleted,
			Message: "batch task finished",
			Metadata: map[string]string{
				"task_id": "task-123",
				"status":  "completed",
			},
		})
		// Both lines are printed before the second Publish returns.
	}

# Integration Points

This package integrates with:

  - pkg/auth: publishes login, logout, 2FA, and passkey events
  - pkg/batch: publishes task lifecycle and sub-task progress events
  - pkg/transfer: publishes transfer lifecycle and progress events
  - pkg/metrics: ObserveEvent subscriber feeds the login counters
  - cmd/nexus: registers the audit-log subscriber at startup

# Event Types Catalog

Auth Events:

EventLoginSuccess:
  - Published when: A login fully completes (password, TOTP, or passkey)
  - Metadata: user_id, username, method (password/totp/passkey)
  - Subscribers: Metrics (per-method counter), audit log

EventLoginFailure:
  - Published when: Any step of a login attempt is rejected
  - Metadata: reason; username when the attempt named one
  - Subscribers: Metrics (failure counter), audit log

EventLogout:
  - Published when: An authenticated session is destroyed by the user
  - Metadata: user_id, username
  - Subscribers: Audit log

EventTwoFactorEnabled / EventTwoFactorDisabled:
  - Published when: TOTP enrollment confirms or 2FA is dropped
  - Metadata: user_id, username
  - Subscribers: Audit log

EventPasskeyRegistered:
  - Published when: A WebAuthn registration ceremony completes
  - Metadata: user_id, passkey_id
  - Subscribers: Audit log

EventPasskeyAuthenticated:
  - Published when: A passkey assertion is accepted
  - Metadata: user_id, passkey_id
  - Subscribers: Audit log (the matching login.success fires separately)

Batch Events:

EventBatchStarted:
  - Published when: A batch task begins executing
  - Metadata: task_id
  - Subscribers: Audit log, live task views

EventBatchSubtaskUpdate:
  - Published when: A sub-task changes status or emits output
  - Metadata: task_id, subtask_id, then either status+progress
    (Message "status") or stream+chunk (Message "output")
  - Subscribers: Live task views

EventBatchCompleted / EventBatchCancelled:
  - Published when: The task reaches a terminal status
  - Metadata: task_id, status (completed/failed/partially-completed/...)
  - Subscribers: Audit log, live task views

Transfer Events:

EventTransferStarted:
  - Published when: A transfer task begins executing
  - Metadata: task_id
  - Subscribers: Audit log, live task views

EventTransferSubtaskUpdate:
  - Published when: A (target, item) copy changes status or progress
  - Metadata: task_id, subtask_id, status, progress
  - Subscribers: Live task views

EventTransferCompleted / EventTransferCancelled:
  - Published when: The transfer reaches a terminal status
  - Metadata: task_id, status
  - Subscribers: Audit log, live task views

# Design Patterns

Synchronous Fan-Out:
  - One event delivered to every handler, in registration order
  - No goroutines, channels, or buffers inside the broker
  - Ordering between events of one publisher is guaranteed
  - Trade-off: a blocking handler stalls the publisher

Fire-and-Forget:
  - No acknowledgment from subscribers
  - No retry on handler panic or failure
  - Suitable for monitoring and audit, not critical state changes

Persist-Then-Publish:
  - Task engines write state to the store before publishing
  - Subscribers can always re-read authoritative state by id
  - A crash between persist and publish loses the notification only

# Performance Characteristics

Event Publishing:
  - Latency: a few hundred nanoseconds per registered handler
  - Throughput: bounded by the slowest handler, not the broker
  - Allocation: zero per publish beyond the caller's Event

Subscriber Count:
  - Expected: single digits (audit, metrics, live views)
  - Impact: linear with handler count
  - The RWMutex read path never contends after startup

# Troubleshooting

Events Not Received:
  - Symptom: Subscriber observes no events
  - Check: Subscribe ran before the first Publish of interest
  - Check: All components share one broker instance
  - Solution: Wire the broker once in cmd/nexus and inject it

Slow Operations:
  - Symptom: Logins or task updates take visibly longer
  - Cause: A handler doing I/O on the publisher's goroutine
  - Check: SubscriberCount() and handler bodies
  - Solution: Hand events to a buffered channel inside the handler

Missing Metadata:
  - Symptom: Audit entries lack an expected key
  - Cause: Metadata keys differ per event type (see catalog)
  - Solution: Branch on e.Type before reading type-specific keys

# Limitations

Current Limitations:
  - In-memory only (no persistence, no replay)
  - No topic filtering (all events broadcast to all handlers)
  - No unsubscribe (handlers live for the process lifetime)
  - No delivery to other processes

Workarounds:
  - Persistence: subscribe and append to a log or table
  - Filtering: switch on e.Type inside the handler
  - Cross-process: a subscriber can forward to an external bus

# Best Practices

Do:
  - Subscribe during startup, before any traffic
  - Keep handlers allocation-light and non-blocking
  - Include ids (task_id, user_id) in Metadata, not in Message
  - Branch on Type before reading type-specific metadata

Don't:
  - Block in a handler (no network calls, no unbounded channel sends)
  - Mutate the received Event; other handlers see the same pointer
  - Rely on events for correctness; the store is authoritative

# See Also

  - pkg/batch and pkg/transfer for the publishing task engines
  - pkg/auth for authentication event sources
  - pkg/metrics for the ObserveEvent subscriber
  - Pub/sub pattern: https://en.wikipedia.org/wiki/Publish%E2%80%93subscribe_pattern
*/
package events
