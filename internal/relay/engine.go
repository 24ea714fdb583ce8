// Package relay implements the coordination engine between the email
// transport and the messaging network: a persistent, idempotent,
// at-least-once pipeline in both directions.
package relay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaygate/mailbridge/internal/events"
	"github.com/relaygate/mailbridge/internal/logger"
	"github.com/relaygate/mailbridge/internal/mailer"
	"github.com/relaygate/mailbridge/internal/model"
	"github.com/relaygate/mailbridge/internal/network"
	"github.com/relaygate/mailbridge/internal/queue"
	"github.com/relaygate/mailbridge/internal/repository"
	"github.com/relaygate/mailbridge/internal/util"
)

// Options tunes the engine loops. Zero values pick the defaults below.
type Options struct {
	RehydrateInterval time.Duration // default 30s
	RehydrateLimit    int           // default 100
	IdleSleep         time.Duration // default 500ms
	RetryBackoff      time.Duration // default 2s, grows linearly per consecutive failure
	MaxRetryBackoff   time.Duration // default 30s
}

func (o *Options) applyDefaults() {
	if o.RehydrateInterval <= 0 {
		o.RehydrateInterval = 30 * time.Second
	}
	if o.RehydrateLimit <= 0 {
		o.RehydrateLimit = 100
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = 500 * time.Millisecond
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.MaxRetryBackoff <= 0 {
		o.MaxRetryBackoff = 30 * time.Second
	}
}

// Engine owns all relay state: no package-level globals, so multiple
// instances can run side by side in tests.
type Engine struct {
	inbound   repository.InboundRepository
	outbound  repository.OutboundRepository
	allowlist repository.AllowlistRepository
	audit     repository.AuditRepository // nil when ClickHouse is not configured
	queue     *queue.Dedup
	sender    mailer.Sender
	conn      network.Conn
	publisher *events.Publisher // nil when Kafka is not configured
	opts      Options
	log       *zap.Logger

	// Resolved once by Start.
	selfIdentity   string
	conversationID string
}

func NewEngine(
	inboundRepo repository.InboundRepository,
	outboundRepo repository.OutboundRepository,
	allowlistRepo repository.AllowlistRepository,
	auditRepo repository.AuditRepository,
	sender mailer.Sender,
	conn network.Conn,
	publisher *events.Publisher,
	opts Options,
) *Engine {
	opts.applyDefaults()
	return &Engine{
		inbound:   inboundRepo,
		outbound:  outboundRepo,
		allowlist: allowlistRepo,
		audit:     auditRepo,
		queue:     queue.NewDedup(),
		sender:    sender,
		conn:      conn,
		publisher: publisher,
		opts:      opts,
		log:       logger.L(),
	}
}

// Start resolves the engine's network identities and seeds the
// allowlist. Any resolution failure is fatal: the relay must never run
// with a partial allowlist.
func (e *Engine) Start(ctx context.Context, conversationHandle string, allowlistHandles []string) error {
	self, err := e.conn.OwnIdentity(ctx)
	if err != nil {
		return fmt.Errorf("resolve own identity: %w", err)
	}
	e.selfIdentity = self

	convID, err := e.conn.ResolveConversation(ctx, conversationHandle)
	if err != nil {
		return fmt.Errorf("resolve conversation %q: %w", conversationHandle, err)
	}
	e.conversationID = convID

	identities, err := e.ResolveAllowlist(ctx, allowlistHandles)
	if err != nil {
		return err
	}
	if err := e.allowlist.Seed(ctx, identities); err != nil {
		return fmt.Errorf("seed allowlist: %w", err)
	}

	e.log.Info("relay engine started",
		zap.String("identity", self),
		zap.String("conversation", convID),
		zap.Int("allowlist", len(identities)),
	)
	return nil
}

// ResolveAllowlist maps every configured handle to its canonical
// identity. One failed entry fails the whole resolution.
func (e *Engine) ResolveAllowlist(ctx context.Context, handles []string) ([]string, error) {
	identities := make([]string, 0, len(handles))
	for _, h := range handles {
		id, err := e.conn.ResolveIdentity(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("resolve allowlist entry %q: %w", h, err)
		}
		identities = append(identities, id)
	}
	return identities, nil
}

// QueueLen reports the number of pending inbound ids.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// recordAudit is best effort: audit unavailability never affects the
// relay path.
func (e *Engine) recordAudit(ctx context.Context, direction, ref, outcome, detail string) {
	if e.audit == nil {
		return
	}
	ev := model.RelayEvent{
		ID:        util.New(),
		Direction: direction,
		Ref:       ref,
		Outcome:   outcome,
		Detail:    detail,
		At:        time.Now().UTC(),
	}
	if err := e.audit.Insert(ctx, ev); err != nil {
		e.log.Warn("audit insert failed", zap.String("ref", ref), zap.Error(err))
	}
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
