// Package bustest provides in-memory bus fakes so the admission queue and
// worker can be exercised without a broker. All fakes are safe for concurrent
// use and record their interactions for assertions.
package bustest

import (
	"context"
	"errors"
	"sync"

	"github.com/ewoutbarendregt/crosscheck/bus"
)

// SentMessage is one recorded dispatch.
type SentMessage struct {
	Body     []byte
	TenantID string
}

// Sender records job dispatches and can be scripted to fail.
//
// Usage:
//
//	sender := bustest.NewSender()
//	sender.FailNext(1) // first send fails, later sends succeed
type Sender struct {
	mu       sync.Mutex
	sent     []SentMessage
	failures int
	err      error
}

// NewSender returns an empty recording sender.
func NewSender() *Sender {
	return &Sender{err: errors.New("bus send failed")}
}

// FailNext makes the next n Send calls fail.
func (s *Sender) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// SetError overrides the error returned by scripted failures.
func (s *Sender) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Send implements bus.Sender.
func (s *Sender) Send(_ context.Context, body []byte, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)
	s.sent = append(s.sent, SentMessage{Body: bodyCopy, TenantID: tenantID})
	return nil
}

// Sent returns a copy of all successful dispatches in order.
func (s *Sender) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// Publisher records published result envelopes.
type Publisher struct {
	mu        sync.Mutex
	published [][]byte
	err       error
}

// NewPublisher returns an empty recording publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// SetError makes all subsequent Publish calls fail with err.
func (p *Publisher) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish implements bus.Publisher.
func (p *Publisher) Publish(_ context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)
	p.published = append(p.published, bodyCopy)
	return nil
}

// Published returns a copy of all envelopes in publish order.
func (p *Publisher) Published() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.published))
	copy(out, p.published)
	return out
}

// Message is a delivered message that records its settlement.
type Message struct {
	mu              sync.Mutex
	body            []byte
	tenantID        string
	completed       bool
	abandoned       bool
	deadLettered    bool
	deadReason      string
	deadDescription string
}

// NewMessage builds a deliverable message with the given body and tenant
// header.
func NewMessage(body []byte, tenantID string) *Message {
	return &Message{body: body, tenantID: tenantID}
}

// Body implements bus.Message.
func (m *Message) Body() []byte {
	return m.body
}

// TenantID implements bus.Message.
func (m *Message) TenantID() string {
	return m.tenantID
}

// Complete implements bus.Message.
func (m *Message) Complete(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = true
	return nil
}

// Abandon implements bus.Message.
func (m *Message) Abandon(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandoned = true
	return nil
}

// DeadLetter implements bus.Message.
func (m *Message) DeadLetter(_ context.Context, reason, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLettered = true
	m.deadReason = reason
	m.deadDescription = description
	return nil
}

// Completed reports whether Complete was called.
func (m *Message) Completed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}

// Abandoned reports whether Abandon was called.
func (m *Message) Abandoned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abandoned
}

// DeadLettered returns the recorded reason and description, and whether
// DeadLetter was called.
func (m *Message) DeadLettered() (reason, description string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadReason, m.deadDescription, m.deadLettered
}

// Receiver hands out a scripted sequence of messages, then blocks until the
// context is cancelled.
type Receiver struct {
	ch chan bus.Message
}

// NewReceiver preloads the receiver with msgs in delivery order.
func NewReceiver(msgs ...bus.Message) *Receiver {
	r := &Receiver{ch: make(chan bus.Message, len(msgs)+16)}
	for _, m := range msgs {
		r.ch <- m
	}
	return r
}

// Push feeds another message to a live receiver.
func (r *Receiver) Push(m bus.Message) {
	r.ch <- m
}

// Receive implements bus.Receiver.
func (r *Receiver) Receive(ctx context.Context) (bus.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
