package saf

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/inbound"
)

// MessageHandler routes SAF traffic to the request and response handlers
// and passes everything else to the next stage unchanged.
type MessageHandler struct {
	requests  *RequestHandler
	responses *ResponseHandler
	next      inbound.Handler
}

func NewMessageHandler(requests *RequestHandler, responses *ResponseHandler, next inbound.Handler) *MessageHandler {
	return &MessageHandler{requests: requests, responses: responses, next: next}
}

func (h *MessageHandler) Handle(ctx context.Context, msg *inbound.DecryptedMessage) error {
	msgType := msg.MessageType()
	if msgType.IsDhtMessage() && msg.DecryptionFailed() {
		slog.Debug("Discarding DHT message that could not be decrypted",
			"tag", msg.Tag,
			"type", msgType,
			"peer", msg.SourcePeer.String())
		return nil
	}

	switch msgType {
	case envelope.MessageTypeSafRequestMessages:
		return h.requests.Handle(ctx, msg)
	case envelope.MessageTypeSafStoredMessages:
		return h.responses.Handle(ctx, msg)
	default:
		return h.next.Handle(ctx, msg)
	}
}

// ErrShutdownTimeout is returned by Middleware.Run when in-flight handlers
// did not finish within the shutdown grace period.
var ErrShutdownTimeout = errors.New("in-flight handlers did not finish before shutdown grace period")

// Middleware runs a handler for every message read from its input, each on
// its own goroutine.
type Middleware struct {
	handler           inbound.Handler
	processingTimeout time.Duration
	shutdownGrace     time.Duration
	stats             *Stats

	wg sync.WaitGroup
}

func NewMiddleware(handler inbound.Handler, cfg Config, stats *Stats) *Middleware {
	if stats == nil {
		stats = &Stats{}
	}
	return &Middleware{
		handler:           handler,
		processingTimeout: cfg.ProcessingTimeout,
		shutdownGrace:     cfg.ShutdownGrace,
		stats:             stats,
	}
}

// Run consumes in until ctx is done or in is closed. It then stops reading
// and waits up to the shutdown grace period for in-flight handlers.
// Handlers run with a context detached from ctx, bounded by the processing
// timeout, so shutdown does not abort work already accepted.
func (m *Middleware) Run(ctx context.Context, in <-chan *inbound.DecryptedMessage) error {
	for {
		select {
		case <-ctx.Done():
			return m.drain()
		case msg, ok := <-in:
			if !ok || ctx.Err() != nil {
				return m.drain()
			}
			m.spawn(ctx, msg)
		}
	}
}

func (m *Middleware) spawn(ctx context.Context, msg *inbound.DecryptedMessage) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		taskCtx := context.WithoutCancel(ctx)
		if m.processingTimeout > 0 {
			var cancel context.CancelFunc
			taskCtx, cancel = context.WithTimeout(taskCtx, m.processingTimeout)
			defer cancel()
		}
		if err := m.handler.Handle(taskCtx, msg); err != nil {
			m.logError(msg, err)
		}
	}()
}

func (m *Middleware) logError(msg *inbound.DecryptedMessage, err error) {
	class := Classify(err)
	m.stats.recordDrop(class)
	attrs := []any{
		"tag", msg.Tag,
		"type", msg.MessageType(),
		"peer", msg.SourcePeer.String(),
		"error", err,
	}
	switch class {
	case ClassBenign:
		slog.Debug("Message handling failed", attrs...)
	case ClassMalfunction:
		slog.Error("System malfunction while handling message", attrs...)
	case ClassProtocolViolation:
		slog.Warn("SECURITY: peer sent an invalid message", attrs...)
	}
}

func (m *Middleware) drain() error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(m.shutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		slog.Warn("Shutting down with handlers still running", "grace", m.shutdownGrace)
		return ErrShutdownTimeout
	}
}
