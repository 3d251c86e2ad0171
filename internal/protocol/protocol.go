package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/amritessh/overthinkd/internal/conversation"
)

const instrumentationName = "github.com/amritessh/overthinkd/internal/protocol"

// Protocol errors.
var (
	ErrUnknownKind = errors.New("unknown message kind")
	ErrSelfHandoff = errors.New("agent cannot hand off to itself")
)

// Config configures the protocol service.
type Config struct {
	// EventSubjectPrefix is the NATS subject prefix for published protocol
	// events. Publishing is fire-and-forget; delivery failures are logged,
	// never surfaced.
	EventSubjectPrefix string

	// ConsultTimeout bounds a consultation handler invocation.
	ConsultTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		EventSubjectPrefix: "overthinkd.events",
		ConsultTimeout:     10 * time.Second,
	}
}

// Stats is a snapshot of protocol activity.
type Stats struct {
	MessagesByKind   map[string]int `json:"messages_by_type"`
	HandoffsAccepted int            `json:"handoffs_accepted"`
	HandoffsRejected int            `json:"handoffs_rejected"`
	HandoffFanOut    map[string]int `json:"handoff_fan_out"` // "from->to" pairs
}

// Protocol routes inter-agent messages and executes the handoff workflow
// against the conversation manager.
type Protocol struct {
	cfg      Config
	registry *Registry
	conv     *conversation.Manager
	nc       *nats.Conn // optional event bus
	logger   *zap.Logger

	mu    sync.Mutex
	stats Stats

	meter    metric.Meter
	msgCount metric.Int64Counter
	hoCount  metric.Int64Counter
}

// New wires a Protocol. nc may be nil to disable event publishing.
func New(cfg Config, registry *Registry, conv *conversation.Manager, nc *nats.Conn, logger *zap.Logger) (*Protocol, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if conv == nil {
		return nil, errors.New("conversation manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventSubjectPrefix == "" {
		cfg.EventSubjectPrefix = "overthinkd.events"
	}
	if cfg.ConsultTimeout <= 0 {
		cfg.ConsultTimeout = 10 * time.Second
	}

	p := &Protocol{
		cfg:      cfg,
		registry: registry,
		conv:     conv,
		nc:       nc,
		logger:   logger,
		stats: Stats{
			MessagesByKind: make(map[string]int),
			HandoffFanOut:  make(map[string]int),
		},
		meter: otel.Meter(instrumentationName),
	}

	var err error
	p.msgCount, err = p.meter.Int64Counter(
		"overthinkd.protocol.messages_total",
		metric.WithDescription("Protocol messages sent, by kind"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		logger.Warn("failed to create message counter", zap.Error(err))
	}
	p.hoCount, err = p.meter.Int64Counter(
		"overthinkd.protocol.handoffs_total",
		metric.WithDescription("Handoff requests, by outcome"),
		metric.WithUnit("{handoff}"),
	)
	if err != nil {
		logger.Warn("failed to create handoff counter", zap.Error(err))
	}

	return p, nil
}

// SendMessage validates and dispatches a message. Consultation messages
// return the target's reply; other kinds return nil on success.
func (p *Protocol) SendMessage(ctx context.Context, msg *Message) (*Message, error) {
	switch msg.Kind {
	case KindConsultation, KindInformationSharing, KindStatusUpdate:
	case KindHandoff:
		return nil, fmt.Errorf("%w: handoffs go through RequestHandoff", ErrUnknownKind)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, msg.Kind)
	}

	if _, err := p.registry.Get(msg.From); err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	target, err := p.registry.Get(msg.To)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}

	p.countMessage(ctx, msg.Kind)
	p.publish("message", msg)

	if msg.Kind != KindConsultation {
		return nil, nil
	}

	reply := NewMessage(KindConsultation, msg.To, msg.From, msg.ConversationID, "acknowledged")
	if target.Handler != nil {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.ConsultTimeout)
		defer cancel()
		content, err := target.Handler(cctx, msg)
		if err != nil {
			return nil, fmt.Errorf("consultation with %s failed: %w", msg.To, err)
		}
		reply.Content = content
	}
	p.countMessage(ctx, reply.Kind)
	return reply, nil
}

// RequestHandoff validates the request and, if accepted, atomically rebinds
// the conversation and appends to its history under the conversation lock.
// A rejected handoff leaves the conversation untouched.
func (p *Protocol) RequestHandoff(ctx context.Context, req *HandoffRequest) (*HandoffResult, error) {
	if req.From == req.To {
		return nil, ErrSelfHandoff
	}
	from, err := p.registry.Get(req.From)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	to, err := p.registry.Get(req.To)
	if err != nil {
		return p.reject(ctx, req, fmt.Sprintf("target %s is not registered", req.To)), nil
	}
	if !p.registry.CanHandoff(from.Category, to.Category) {
		return p.reject(ctx, req, fmt.Sprintf("handoff %s -> %s violates adjacency rules", from.Category, to.Category)), nil
	}

	err = p.conv.WithConversationLock(ctx, req.ConversationID, func(ctx context.Context) error {
		rec, err := p.conv.GetRecord(ctx, req.ConversationID)
		if err != nil {
			return err
		}
		rec.LastAgent = req.To
		rec.InvolveAgent(req.To)
		appendHistory(rec, map[string]any{
			"event":      "handoff",
			"from_agent": req.From,
			"to_agent":   req.To,
			"reason":     string(req.Reason),
			"timestamp":  time.Now().Format(time.RFC3339),
		})
		return p.conv.SaveRecordLocked(ctx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("handoff commit failed: %w", err)
	}

	msg := NewMessage(KindHandoff, req.From, req.To, req.ConversationID, req.Summary)
	msg.Metadata = map[string]any{"reason": string(req.Reason)}

	p.mu.Lock()
	p.stats.HandoffsAccepted++
	p.stats.HandoffFanOut[req.From+"->"+req.To]++
	p.mu.Unlock()
	if p.hoCount != nil {
		p.hoCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "accepted")))
	}
	p.publish("handoff", msg)

	p.logger.Info("handoff accepted",
		zap.String("conversation_id", req.ConversationID),
		zap.String("from", req.From),
		zap.String("to", req.To),
		zap.String("reason", string(req.Reason)))

	return &HandoffResult{Accepted: true, Message: msg}, nil
}

func (p *Protocol) reject(ctx context.Context, req *HandoffRequest, detail string) *HandoffResult {
	p.mu.Lock()
	p.stats.HandoffsRejected++
	p.mu.Unlock()
	if p.hoCount != nil {
		p.hoCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rejected")))
	}
	p.logger.Warn("handoff rejected",
		zap.String("conversation_id", req.ConversationID),
		zap.String("from", req.From),
		zap.String("to", req.To),
		zap.String("detail", detail))
	return &HandoffResult{Accepted: false, Detail: detail}
}

// appendHistory appends an entry to the record's context history list.
func appendHistory(rec *conversation.Record, entry map[string]any) {
	if rec.Context == nil {
		rec.Context = map[string]any{}
	}
	history, _ := rec.Context[conversation.CtxHistory].([]any)
	rec.Context[conversation.CtxHistory] = append(history, entry)
}

func (p *Protocol) countMessage(ctx context.Context, kind MessageKind) {
	p.mu.Lock()
	p.stats.MessagesByKind[string(kind)]++
	p.mu.Unlock()
	if p.msgCount != nil {
		p.msgCount.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

// publish emits a protocol event on the bus. Best effort only.
func (p *Protocol) publish(event string, payload any) {
	if p.nc == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("failed to marshal protocol event", zap.String("event", event), zap.Error(err))
		return
	}
	subject := p.cfg.EventSubjectPrefix + "." + event
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish protocol event", zap.String("subject", subject), zap.Error(err))
	}
}

// Snapshot returns a copy of the protocol stats.
func (p *Protocol) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := Stats{
		MessagesByKind:   make(map[string]int, len(p.stats.MessagesByKind)),
		HandoffsAccepted: p.stats.HandoffsAccepted,
		HandoffsRejected: p.stats.HandoffsRejected,
		HandoffFanOut:    make(map[string]int, len(p.stats.HandoffFanOut)),
	}
	for k, v := range p.stats.MessagesByKind {
		out.MessagesByKind[k] = v
	}
	for k, v := range p.stats.HandoffFanOut {
		out.HandoffFanOut[k] = v
	}
	return out
}
