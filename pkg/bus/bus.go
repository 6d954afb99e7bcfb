// Package bus receives rule documents over NATS and applies them to the
// local engine through the policy manager.
//
// A controller publishes a rule document (YAML or JSON) on the rules
// subject; every subscribed node parses, compiles and applies it. When the
// message carries a reply subject the node answers with a Reply.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/manager"
	"opensase/sase-policy/pkg/policy/rules"
)

// DefaultSubject carries rule documents.
const DefaultSubject = "sase.policy.rules"

var (
	errNotConnected = errors.New("nats subscriber not connected")
	errEmptySubject = errors.New("empty subject")
)

// Applier installs a rule set. *manager.Manager implements it.
type Applier interface {
	Apply(ctx context.Context, rules []policy.PolicyRule, origin string) (manager.Result, error)
}

// Config configures the subscriber.
type Config struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`

	// Subject is the subject rule documents arrive on.
	// Default: sase.policy.rules
	Subject string `yaml:"subject"`

	// Queue joins a queue group when set. Leave empty so that every node
	// receives every document.
	Queue string `yaml:"queue"`

	// Name is the client connection name.
	Name string `yaml:"name"`

	// ApplyTimeout bounds the handling of one message.
	// Default: 10s
	ApplyTimeout time.Duration `yaml:"apply_timeout"`
}

func (c *Config) applyDefaults() {
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Name == "" {
		c.Name = "sase-policy"
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 10 * time.Second
	}
}

// Reply is the answer sent to request messages.
type Reply struct {
	OK        bool   `json:"ok" yaml:"ok"`
	Outcome   string `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Version   uint64 `json:"version,omitempty" yaml:"version,omitempty"`
	RuleCount int    `json:"rule_count,omitempty" yaml:"rule_count,omitempty"`
	Checksum  string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Subscriber applies rule documents received on a subject.
type Subscriber struct {
	config  Config
	applier Applier
	logger  *slog.Logger

	mu    sync.Mutex
	nc    *nats.Conn
	owned bool
	sub   *nats.Subscription
}

// NewSubscriber creates an unconnected subscriber.
func NewSubscriber(cfg Config, applier Applier, logger *slog.Logger) *Subscriber {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		config:  cfg,
		applier: applier,
		logger:  logger.With("component", "bus", "subject", cfg.Subject),
	}
}

// Start dials NATS and subscribes. An unreachable server is retried in
// the background; Check reports the connection state.
func (s *Subscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return fmt.Errorf("nats subscriber already started")
	}
	if s.config.URL == "" {
		return fmt.Errorf("nats url cannot be empty")
	}

	logger := s.logger
	nc, err := nats.Connect(s.config.URL,
		nats.Name(s.config.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}

	return s.subscribe(nc, true)
}

// Attach subscribes on an existing connection. The connection is not
// closed by Close.
func (s *Subscriber) Attach(nc *nats.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nc == nil {
		return errNotConnected
	}
	if s.sub != nil {
		return fmt.Errorf("nats subscriber already started")
	}
	return s.subscribe(nc, false)
}

func (s *Subscriber) subscribe(nc *nats.Conn, owned bool) error {
	handler := func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ApplyTimeout)
		defer cancel()

		reply := s.HandleMessage(ctx, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			s.logger.Error("failed to encode reply", "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("failed to send reply", "error", err)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if s.config.Queue != "" {
		sub, err = nc.QueueSubscribe(s.config.Subject, s.config.Queue, handler)
	} else {
		sub, err = nc.Subscribe(s.config.Subject, handler)
	}
	if err != nil {
		if owned {
			nc.Close()
		}
		return fmt.Errorf("failed to subscribe to %s: %w", s.config.Subject, err)
	}

	s.nc = nc
	s.owned = owned
	s.sub = sub
	s.logger.Info("subscribed to rule updates", "queue", s.config.Queue)
	return nil
}

// HandleMessage parses data as a rule document and applies it.
func (s *Subscriber) HandleMessage(ctx context.Context, data []byte) Reply {
	origin := "bus:" + s.config.Subject

	doc, err := rules.Parse(data)
	if err != nil {
		s.logger.Warn("discarding malformed rule document", "error", err, "bytes", len(data))
		return Reply{Error: err.Error()}
	}
	rs, err := doc.Compile()
	if err != nil {
		s.logger.Warn("discarding invalid rule document", "error", err, "name", doc.Name)
		return Reply{Error: err.Error()}
	}
	if doc.Name != "" {
		origin += "/" + doc.Name
	}

	res, err := s.applier.Apply(ctx, rs, origin)
	reply := Reply{
		OK:        err == nil,
		Outcome:   string(res.Outcome),
		Version:   res.Version,
		RuleCount: res.RuleCount,
		Checksum:  res.Checksum,
	}
	if err != nil {
		reply.Error = err.Error()
	}
	return reply
}

// Close unsubscribes and closes a connection opened by Start.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.sub != nil {
		err = s.sub.Unsubscribe()
		s.sub = nil
	}
	if s.nc != nil && s.owned {
		s.nc.Close()
	}
	s.nc = nil
	return err
}

// Check reports whether the subscriber holds a live connection.
func (s *Subscriber) Check(ctx context.Context) error {
	s.mu.Lock()
	nc := s.nc
	s.mu.Unlock()

	if nc == nil {
		return errNotConnected
	}
	if !nc.IsConnected() {
		return fmt.Errorf("nats connection %s", nc.Status())
	}
	if _, ok := ctx.Deadline(); !ok {
		return nc.FlushTimeout(2 * time.Second)
	}
	return nc.FlushWithContext(ctx)
}

// Publish encodes doc as JSON and sends it on subject. With a positive
// timeout it waits for one node's Reply.
func Publish(nc *nats.Conn, subject string, doc *rules.Document, timeout time.Duration) (*Reply, error) {
	if nc == nil {
		return nil, errNotConnected
	}
	if subject == "" {
		return nil, errEmptySubject
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule document: %w", err)
	}
	if timeout <= 0 {
		return nil, nc.Publish(subject, data)
	}

	msg, err := nc.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("rule publish request failed: %w", err)
	}
	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	return &reply, nil
}
