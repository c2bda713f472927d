package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// fetchWait bounds each pull so the receive loop can notice cancellation.
const fetchWait = 5 * time.Second

// Config names the streams, subjects, and consumer settings for the JetStream
// transport.
type Config struct {
	URL string `yaml:"url"`

	JobStream  string `yaml:"job_stream"`
	JobSubject string `yaml:"job_subject"`

	ResultStream  string `yaml:"result_stream"`
	ResultSubject string `yaml:"result_subject"`

	DeadLetterStream  string `yaml:"dead_letter_stream"`
	DeadLetterSubject string `yaml:"dead_letter_subject"`

	// Consumer is the durable name of the worker consumer.
	Consumer string `yaml:"consumer"`

	// AckWait is the redelivery lock: unsettled messages redeliver after it.
	AckWait time.Duration `yaml:"ack_wait"`

	// MaxDeliver caps redeliveries of a single message.
	MaxDeliver int `yaml:"max_deliver"`

	// NakDelay spaces out redelivery of abandoned messages so a saturated
	// worker is not immediately handed the same message back.
	NakDelay time.Duration `yaml:"nak_delay"`
}

// DefaultConfig returns the stock stream and consumer settings.
func DefaultConfig() Config {
	return Config{
		URL:               nats.DefaultURL,
		JobStream:         "CROSSCHECK_JOBS",
		JobSubject:        "reasoning.jobs",
		ResultStream:      "CROSSCHECK_RESULTS",
		ResultSubject:     "reasoning.results",
		DeadLetterStream:  "CROSSCHECK_DEADLETTER",
		DeadLetterSubject: "reasoning.deadletter",
		Consumer:          "crosscheck-worker",
		AckWait:           2 * time.Minute,
		MaxDeliver:        10,
		NakDelay:          5 * time.Second,
	}
}

// fill replaces zero values with defaults.
func (c *Config) fill() {
	defaults := DefaultConfig()
	if c.URL == "" {
		c.URL = defaults.URL
	}
	if c.JobStream == "" {
		c.JobStream = defaults.JobStream
	}
	if c.JobSubject == "" {
		c.JobSubject = defaults.JobSubject
	}
	if c.ResultStream == "" {
		c.ResultStream = defaults.ResultStream
	}
	if c.ResultSubject == "" {
		c.ResultSubject = defaults.ResultSubject
	}
	if c.DeadLetterStream == "" {
		c.DeadLetterStream = defaults.DeadLetterStream
	}
	if c.DeadLetterSubject == "" {
		c.DeadLetterSubject = defaults.DeadLetterSubject
	}
	if c.Consumer == "" {
		c.Consumer = defaults.Consumer
	}
	if c.AckWait <= 0 {
		c.AckWait = defaults.AckWait
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = defaults.MaxDeliver
	}
}

// Conn is a JetStream-backed bus connection. It hands out senders, publishers,
// and receivers that share the one underlying NATS connection.
type Conn struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger *slog.Logger
}

// Connect dials NATS and prepares the JetStream context. The connection is a
// shared read-only reference after construction.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Conn, error) {
	cfg.fill()
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("crosscheck"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s (is the server running?): %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	logger.Debug("Connected to NATS", "url", cfg.URL)
	return &Conn{nc: nc, js: js, cfg: cfg, logger: logger}, nil
}

// EnsureStreams creates or updates the job, result, and dead-letter streams.
func (c *Conn) EnsureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      c.cfg.JobStream,
			Subjects:  []string{c.cfg.JobSubject},
			Retention: jetstream.WorkQueuePolicy,
		},
		{
			Name:     c.cfg.ResultStream,
			Subjects: []string{c.cfg.ResultSubject},
		},
		{
			Name:     c.cfg.DeadLetterStream,
			Subjects: []string{c.cfg.DeadLetterSubject},
		},
	}

	for _, sc := range streams {
		if _, err := c.js.CreateOrUpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("ensure stream %s: %w", sc.Name, err)
		}
		c.logger.Debug("JetStream stream ready", "stream", sc.Name, "subjects", sc.Subjects)
	}
	return nil
}

// Close drains the connection so buffered publishes flush before shutdown.
func (c *Conn) Close() {
	if err := c.nc.Drain(); err != nil {
		c.logger.Warn("Failed to drain NATS connection", "error", err)
		c.nc.Close()
	}
}

// JobSender returns the Sender for admitted jobs.
func (c *Conn) JobSender() Sender {
	return &jobSender{conn: c}
}

type jobSender struct {
	conn *Conn
}

// Send publishes the job body with the tenant carried as a header.
func (s *jobSender) Send(ctx context.Context, body []byte, tenantID string) error {
	msg := &nats.Msg{
		Subject: s.conn.cfg.JobSubject,
		Data:    body,
		Header:  nats.Header{},
	}
	msg.Header.Set(HeaderTenantID, tenantID)

	if _, err := s.conn.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// ResultPublisher returns the Publisher for the output queue.
func (c *Conn) ResultPublisher() Publisher {
	return &resultPublisher{conn: c}
}

type resultPublisher struct {
	conn *Conn
}

// Publish emits a result envelope.
func (p *resultPublisher) Publish(ctx context.Context, body []byte) error {
	if _, err := p.conn.js.Publish(ctx, p.conn.cfg.ResultSubject, body); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

// JobReceiver creates (or binds to) the durable worker consumer and returns a
// Receiver over it.
func (c *Conn) JobReceiver(ctx context.Context) (Receiver, error) {
	stream, err := c.js.Stream(ctx, c.cfg.JobStream)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", c.cfg.JobStream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       c.cfg.Consumer,
		FilterSubject: c.cfg.JobSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", c.cfg.Consumer, err)
	}

	c.logger.Info("Job consumer ready",
		"stream", c.cfg.JobStream,
		"consumer", c.cfg.Consumer,
		"subject", c.cfg.JobSubject,
		"ack_wait", c.cfg.AckWait)

	return &jobReceiver{conn: c, consumer: consumer}, nil
}

type jobReceiver struct {
	conn     *Conn
	consumer jetstream.Consumer
}

// Receive fetches the next message, blocking until one arrives or ctx is
// done.
func (r *jobReceiver) Receive(ctx context.Context) (Message, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		msgs, err := r.consumer.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.conn.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			return &jsMessage{conn: r.conn, msg: msg}, nil
		}

		if msgs.Error() != nil && !errors.Is(msgs.Error(), context.DeadlineExceeded) {
			r.conn.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

type jsMessage struct {
	conn *Conn
	msg  jetstream.Msg
}

func (m *jsMessage) Body() []byte {
	return m.msg.Data()
}

func (m *jsMessage) TenantID() string {
	return m.msg.Headers().Get(HeaderTenantID)
}

func (m *jsMessage) Complete(context.Context) error {
	return m.msg.Ack()
}

func (m *jsMessage) Abandon(context.Context) error {
	if d := m.conn.cfg.NakDelay; d > 0 {
		return m.msg.NakWithDelay(d)
	}
	return m.msg.Nak()
}

// DeadLetter preserves the original body on the dead-letter subject with the
// reason attached as headers, then removes the message from the job queue.
func (m *jsMessage) DeadLetter(ctx context.Context, reason, description string) error {
	dead := &nats.Msg{
		Subject: m.conn.cfg.DeadLetterSubject,
		Data:    m.msg.Data(),
		Header:  nats.Header{},
	}
	if tenantID := m.TenantID(); tenantID != "" {
		dead.Header.Set(HeaderTenantID, tenantID)
	}
	dead.Header.Set(HeaderDeadLetterReason, reason)
	dead.Header.Set(HeaderDeadLetterDescription, description)

	if _, err := m.conn.js.PublishMsg(ctx, dead); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return m.msg.Term()
}
