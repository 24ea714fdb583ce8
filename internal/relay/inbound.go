package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/relaygate/mailbridge/internal/events"
	"github.com/relaygate/mailbridge/internal/metrics"
	"github.com/relaygate/mailbridge/internal/model"
)

// AcceptInbound stores a normalized webhook record and queues it for
// delivery. Returns true when the record was a duplicate (no-op).
func (e *Engine) AcceptInbound(ctx context.Context, email model.InboundEmail) (bool, error) {
	id, duplicate, err := e.inbound.Insert(ctx, email)
	if err != nil {
		return false, fmt.Errorf("insert inbound item: %w", err)
	}
	if duplicate {
		metrics.InboundTotal.WithLabelValues("duplicate").Inc()
		e.log.Info("duplicate inbound email absorbed",
			zap.String("from", email.From),
			zap.String("transport_message_id", email.TransportMessageID),
		)
		return true, nil
	}

	e.queue.Enqueue(id)

	metrics.InboundTotal.WithLabelValues("received").Inc()
	e.recordAudit(ctx, "inbound", strconv.FormatInt(id, 10), "received", email.From)
	e.publisher.Publish(ctx, events.InboundReceived, strconv.FormatInt(id, 10), map[string]string{"from": email.From})
	e.log.Info("inbound email accepted", zap.Int64("id", id), zap.String("from", email.From))
	return false, nil
}

// RunWorker drains the dedup queue until ctx is cancelled. A delivery
// failure re-enqueues the id and backs off linearly (capped) so a dead
// network never turns into a hot loop. Retries never give up: an
// undeliverable item stays in rotation until it goes through.
func (e *Engine) RunWorker(ctx context.Context) {
	consecutiveFails := 0
	for {
		if ctx.Err() != nil {
			return
		}

		id, ok := e.queue.Dequeue()
		if !ok {
			sleep(ctx, e.opts.IdleSleep)
			continue
		}

		err := e.deliverOne(ctx, id)
		if err == nil {
			consecutiveFails = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		consecutiveFails++
		e.queue.Enqueue(id)
		metrics.InboundTotal.WithLabelValues("retry").Inc()
		e.log.Warn("inbound delivery failed, will retry",
			zap.Int64("id", id),
			zap.Int("consecutive_fails", consecutiveFails),
			zap.Error(err),
		)
		sleep(ctx, e.retryDelay(consecutiveFails))
	}
}

func (e *Engine) retryDelay(fails int) time.Duration {
	d := time.Duration(fails) * e.opts.RetryBackoff
	if d > e.opts.MaxRetryBackoff {
		d = e.opts.MaxRetryBackoff
	}
	return d
}

// deliverOne re-fetches the row and delivers it into the conversation.
// A missing or already-delivered row is a stale queue entry, not an
// error.
func (e *Engine) deliverOne(ctx context.Context, id int64) error {
	item, err := e.inbound.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch inbound item %d: %w", id, err)
	}
	if item == nil || item.Delivered() {
		return nil
	}

	doc := model.InboundEmailV1{
		Type:       model.TypeInboundEmail,
		To:         item.To,
		From:       item.From,
		Subject:    item.Subject,
		Text:       item.Text,
		HTML:       item.HTML,
		MessageID:  item.MessageID,
		ReceivedAt: item.ReceivedAt.UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal inbound document: %w", err)
	}

	if err := e.conn.SendText(ctx, e.conversationID, string(payload)); err != nil {
		return fmt.Errorf("deliver inbound item %d: %w", id, err)
	}

	if err := e.inbound.MarkDelivered(ctx, id, time.Now().UTC()); err != nil {
		// The message reached the network; failing here means one extra
		// delivery after a restart, which the recipient side tolerates.
		return fmt.Errorf("mark delivered %d: %w", id, err)
	}

	metrics.InboundTotal.WithLabelValues("delivered").Inc()
	e.recordAudit(ctx, "inbound", strconv.FormatInt(id, 10), "delivered", item.From)
	e.publisher.Publish(ctx, events.InboundDelivered, strconv.FormatInt(id, 10), nil)
	e.log.Info("inbound email delivered", zap.Int64("id", id))
	return nil
}

// RunRehydrator periodically re-reads undelivered rows back into the
// queue. This is what makes the queue restart-tolerant: a crash between
// webhook insert and enqueue, or mid-delivery, cannot strand work.
func (e *Engine) RunRehydrator(ctx context.Context) {
	// Immediate pass on startup, then the fixed interval.
	e.rehydrate(ctx)

	tick := time.NewTicker(e.opts.RehydrateInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			e.rehydrate(ctx)
		}
	}
}

func (e *Engine) rehydrate(ctx context.Context) {
	items, err := e.inbound.ListUndelivered(ctx, e.opts.RehydrateLimit)
	if err != nil {
		e.log.Warn("rehydration scan failed", zap.Error(err))
		return
	}
	added := 0
	for _, item := range items {
		if e.queue.Enqueue(item.ID) {
			added++
		}
	}
	if added > 0 {
		e.log.Info("rehydrated pending inbound items", zap.Int("added", added), zap.Int("scanned", len(items)))
	}
}
