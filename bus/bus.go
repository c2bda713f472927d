// Package bus isolates message-bus I/O behind small capability interfaces.
// The admission queue, the worker, and the tests depend on these interfaces;
// only this package talks to the transport.
package bus

import "context"

// Header keys carried on bus messages.
const (
	HeaderTenantID              = "Tenant-Id"
	HeaderDeadLetterReason      = "Dead-Letter-Reason"
	HeaderDeadLetterDescription = "Dead-Letter-Description"
)

// ReasonPipelineFailure is the dead-letter reason for jobs the pipeline could
// not process.
const ReasonPipelineFailure = "PipelineFailure"

// Sender dispatches admitted job payloads to the job queue. Delivery is
// at-least-once; the send may fail.
type Sender interface {
	Send(ctx context.Context, body []byte, tenantID string) error
}

// Publisher emits result envelopes to the output queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Message is one delivered job held under a redelivery lock. Exactly one
// settlement call is made per delivery: Complete removes the message, Abandon
// returns it for redelivery, DeadLetter sidelines it with a reason.
type Message interface {
	Body() []byte
	TenantID() string
	Complete(ctx context.Context) error
	Abandon(ctx context.Context) error
	DeadLetter(ctx context.Context, reason, description string) error
}

// Receiver delivers job messages one at a time. Receive blocks until a
// message arrives or ctx is done.
type Receiver interface {
	Receive(ctx context.Context) (Message, error)
}
