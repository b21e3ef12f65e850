// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aiku/wahook/pkg/connector/protocol"
	"github.com/aiku/wahook/pkg/connector/webhook"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultSendTimeout   = 30 * time.Second
	DefaultMaxConcurrent = 16
)

// webhookDeliverer relays one message. This allows tests to inject a
// recorder instead of a real HTTP dispatcher.
type webhookDeliverer interface {
	Deliver(ctx context.Context, payload webhook.Payload)
}

// InboundMessage is the pipeline's view of one message.
type InboundMessage struct {
	ID         string
	SenderID   string
	Text       string
	Raw        json.RawMessage
	ReceivedAt time.Time
}

func newInboundMessage(msg *protocol.Message) InboundMessage {
	return InboundMessage{
		ID:         msg.Key.ID,
		SenderID:   msg.Key.RemoteJID,
		Text:       msg.Text(),
		Raw:        msg.RawPayload(),
		ReceivedAt: time.Now(),
	}
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Webhook       webhookDeliverer
	Replies       Replies
	SendTimeout   time.Duration
	// MaxConcurrent bounds in-flight replies and, separately, in-flight
	// webhook deliveries.
	MaxConcurrent int64
}

// PipelineStats counts what the pipeline did since it was created.
type PipelineStats struct {
	Processed   int64 `json:"processed"`
	Skipped     int64 `json:"skipped"`
	Replied     int64 `json:"replied"`
	ReplyFailed int64 `json:"reply_failed"`
	Panics      int64 `json:"panics"`
	InFlight    int64 `json:"in_flight"`
}

// Pipeline answers inbound messages and relays them to the webhook. Every
// message is its own unit of work: units start in batch order and run
// concurrently, each sending its reply and then handing the message to the
// webhook. Replies and webhook deliveries are bounded by separate
// semaphores, so neither a stuck send nor a slow webhook holds up the other
// senders.
type Pipeline struct {
	webhook     webhookDeliverer
	replies     Replies
	sendTimeout time.Duration
	replySem    *semaphore.Weighted
	webhookSem  *semaphore.Weighted
	wg          sync.WaitGroup
	log         zerolog.Logger

	processed   atomic.Int64
	skipped     atomic.Int64
	replied     atomic.Int64
	replyFailed atomic.Int64
	panics      atomic.Int64
	inFlight    atomic.Int64
}

// NewPipeline creates a pipeline.
func NewPipeline(opts PipelineOptions, log zerolog.Logger) *Pipeline {
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Pipeline{
		webhook:     opts.Webhook,
		replies:     opts.Replies.withDefaults(),
		sendTimeout: sendTimeout,
		replySem:    semaphore.NewWeighted(maxConcurrent),
		webhookSem:  semaphore.NewWeighted(maxConcurrent),
		log:         log.With().Str("component", "pipeline").Logger(),
	}
}

// Run consumes batches until ctx is done or in is closed.
func (p *Pipeline) Run(ctx context.Context, in <-chan InboundBatch) {
	for {
		select {
		case <-ctx.Done():
			return
		case ib, ok := <-in:
			if !ok {
				return
			}
			p.HandleBatch(ctx, ib)
		}
	}
}

// HandleBatch starts one unit of work per message and returns without
// waiting for them. Only live ("notify") batches are answered; history
// replays are skipped.
func (p *Pipeline) HandleBatch(ctx context.Context, ib InboundBatch) {
	if ib.Batch.Type != protocol.BatchNotify {
		p.log.Debug().
			Str("batch_type", string(ib.Batch.Type)).
			Int("count", len(ib.Batch.Messages)).
			Msg("Skipping non-notify message batch")
		p.skipped.Add(int64(len(ib.Batch.Messages)))
		return
	}
	for _, msg := range ib.Batch.Messages {
		if msg == nil {
			continue
		}
		if msg.Key.FromMe {
			p.skipped.Add(1)
			continue
		}
		p.wg.Add(1)
		p.inFlight.Add(1)
		go p.handleMessage(ctx, ib.Session, msg)
	}
}

// handleMessage replies to one message and then relays it. A panic is
// contained here so no other unit is affected.
func (p *Pipeline) handleMessage(ctx context.Context, sess protocol.Session, msg *protocol.Message) {
	defer p.wg.Done()
	defer p.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.log.Error().
				Any("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Panic while handling message")
		}
	}()

	in := newInboundMessage(msg)
	p.processed.Add(1)

	log := p.log.With().
		Str("message_id", in.ID).
		Str("from", in.SenderID).
		Str("chat_type", ChatType(in.SenderID)).
		Logger()
	evt := log.Info().Str("text", in.Text)
	if sentAt := msg.SentAt(); !sentAt.IsZero() {
		evt = evt.Time("sent_at", sentAt)
	}
	evt.Msg("Received message")

	reply := p.replies.Select(in.Text)
	if err := p.sendReply(ctx, sess, in.SenderID, reply); err != nil {
		p.replyFailed.Add(1)
		log.Error().Err(err).Msg("Failed to send reply")
	} else {
		p.replied.Add(1)
		log.Debug().Str("reply", reply).Msg("Reply sent")
	}

	p.forward(ctx, webhook.Payload{From: in.SenderID, Message: in.Text, Raw: in.Raw})
}

// sendReply sends one reply. A panic in the session is returned as an error
// so the relay step still runs.
func (p *Pipeline) sendReply(ctx context.Context, sess protocol.Session, to, text string) (err error) {
	if sess == nil {
		return ErrNotConnected
	}
	if err := p.replySem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire reply slot: %w", err)
	}
	defer p.replySem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.log.Error().
				Any("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Panic while sending reply")
			err = fmt.Errorf("panic while sending reply to %s: %v", to, r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()
	if err := sess.SendText(ctx, to, text); err != nil {
		return fmt.Errorf("failed to send reply to %s: %w", to, err)
	}
	return nil
}

// forward hands the payload to the webhook. The delivery outlives ctx so
// shutdown can drain it through Wait.
func (p *Pipeline) forward(ctx context.Context, payload webhook.Payload) {
	if p.webhook == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := p.webhookSem.Acquire(ctx, 1); err != nil {
		p.log.Error().Err(err).Msg("Failed to acquire webhook slot")
		return
	}
	defer p.webhookSem.Release(1)
	p.webhook.Deliver(ctx, payload)
}

// Wait blocks until every started unit has finished, webhook delivery
// included.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// WaitTimeout is Wait with an upper bound. It reports whether everything
// finished in time.
func (p *Pipeline) WaitTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Processed:   p.processed.Load(),
		Skipped:     p.skipped.Load(),
		Replied:     p.replied.Load(),
		ReplyFailed: p.replyFailed.Load(),
		Panics:      p.panics.Load(),
		InFlight:    p.inFlight.Load(),
	}
}
