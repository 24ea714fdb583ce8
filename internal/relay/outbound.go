package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/relaygate/mailbridge/internal/events"
	"github.com/relaygate/mailbridge/internal/mailer"
	"github.com/relaygate/mailbridge/internal/metrics"
	"github.com/relaygate/mailbridge/internal/model"
	"github.com/relaygate/mailbridge/internal/network"
	"github.com/relaygate/mailbridge/internal/repository"
	"github.com/relaygate/mailbridge/internal/util"
)

// greetings are the leading tokens that ask for the intro text instead
// of a send request.
var greetings = map[string]struct{}{
	"hello": {},
	"hi":    {},
	"hey":   {},
	"help":  {},
	"?":     {},
}

func isGreeting(content string) bool {
	fields := strings.Fields(strings.ToLower(content))
	if len(fields) == 0 {
		return false
	}
	_, ok := greetings[fields[0]]
	return ok
}

func helpText(allowed bool) string {
	status := "you are NOT on the sender allowlist"
	if allowed {
		status = "you are on the sender allowlist"
	}
	return "mailbridge relays email in both directions.\n" +
		"To send an email, post a JSON message:\n" +
		"```json\n" +
		`{"type":"email.send.v1","to":["someone@example.com"],"subject":"Hi","text":"Hello from the network"}` + "\n" +
		"```\n" +
		"Optional fields: cc, bcc, html, replyTo. Up to 20 recipients per field.\n" +
		"Allowlist status: " + status + "."
}

// RunStream consumes the ordered network message stream until ctx is
// cancelled.
func (e *Engine) RunStream(ctx context.Context) {
	cursor := ""
	consecutiveFails := 0
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, next, err := e.conn.Fetch(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveFails++
			e.log.Warn("message stream fetch failed", zap.Int("consecutive_fails", consecutiveFails), zap.Error(err))
			sleep(ctx, e.retryDelay(consecutiveFails))
			continue
		}
		consecutiveFails = 0
		cursor = next

		for _, m := range msgs {
			e.HandleMessage(ctx, m)
		}
	}
}

// HandleMessage runs the outbound state machine for one network
// message. Every send request gets exactly one result reply; greeting
// and parse-failure paths reply with the intro text; self-echoes and
// non-text messages are dropped silently.
func (e *Engine) HandleMessage(ctx context.Context, msg network.Message) {
	sender := util.CanonicalIdentity(msg.Sender)
	if sender == e.selfIdentity {
		return
	}
	if !msg.Text() || strings.TrimSpace(msg.Content) == "" {
		return
	}

	if isGreeting(msg.Content) {
		metrics.OutboundTotal.WithLabelValues("greeting").Inc()
		e.replyHelp(ctx, msg.ConversationID, sender)
		return
	}

	raw, ok := ExtractJSON(msg.Content)
	if !ok {
		e.replyHelp(ctx, msg.ConversationID, sender)
		return
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Type != model.TypeSendRequest {
		e.replyHelp(ctx, msg.ConversationID, sender)
		return
	}

	allowed, err := e.allowlist.IsAllowed(ctx, sender)
	if err != nil {
		e.log.Error("allowlist lookup failed", zap.String("sender", sender), zap.Error(err))
		return
	}
	if !allowed {
		metrics.OutboundTotal.WithLabelValues("rejected").Inc()
		e.recordAudit(ctx, "outbound", msg.ID, "rejected", "not_allowlisted sender="+sender)
		e.log.Info("send request from non-allowlisted sender", zap.String("sender", sender), zap.String("message_id", msg.ID))
		e.reply(ctx, msg.ConversationID, model.FailureResult("not_allowlisted"))
		return
	}

	// Strict schema: unknown fields reject the request wholesale.
	var req model.SendRequestV1
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		e.rejectInvalid(ctx, msg, "invalid_request: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		e.rejectInvalid(ctx, msg, "invalid_request: "+err.Error())
		return
	}

	// Idempotency gate: one row, one send per source message id.
	existing, err := e.outbound.Get(ctx, msg.ID)
	if err != nil {
		e.log.Error("outbound request lookup failed", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if existing != nil {
		e.replayResult(ctx, msg, existing)
		return
	}

	row, err := e.outbound.InsertIfAbsent(ctx, model.OutboundRequest{
		SourceMessageID: msg.ID,
		SenderIdentity:  sender,
		To:              req.To,
		CC:              req.CC,
		BCC:             req.BCC,
		Subject:         req.Subject,
		Text:            req.Text,
		HTML:            req.HTML,
		ReplyTo:         req.ReplyTo,
	})
	if err != nil || row == nil {
		e.log.Error("outbound request insert failed", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if row.Status != model.StatusReceived {
		// Lost the insert race to a concurrent invocation.
		e.replayResult(ctx, msg, row)
		return
	}

	// The sending transition must be durable before the external send,
	// so a crash mid-send leaves a detectable row instead of a silent
	// duplicate risk.
	if err := e.outbound.UpdateStatus(ctx, msg.ID, model.StatusSending, nil, nil); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			e.reply(ctx, msg.ConversationID, model.FailureResult("already_processing"))
			return
		}
		e.log.Error("outbound status transition failed", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}

	out := mailer.Outgoing{
		To:      req.To,
		CC:      req.CC,
		BCC:     req.BCC,
		Subject: req.Subject,
	}
	if req.Text != nil {
		out.Text = *req.Text
	}
	if req.HTML != nil {
		out.HTML = *req.HTML
	}
	if req.ReplyTo != nil {
		out.ReplyTo = *req.ReplyTo
	}

	resultID, sendErr := e.sender.Send(ctx, out)
	if sendErr != nil {
		errText := sendErr.Error()
		if err := e.outbound.UpdateStatus(ctx, msg.ID, model.StatusFailed, nil, &errText); err != nil {
			e.log.Error("record failed send", zap.String("message_id", msg.ID), zap.Error(err))
		}
		metrics.OutboundTotal.WithLabelValues("failed").Inc()
		e.recordAudit(ctx, "outbound", msg.ID, "failed", errText)
		e.publisher.Publish(ctx, events.OutboundFailed, msg.ID, map[string]string{"error": errText})
		e.log.Warn("outbound send failed", zap.String("message_id", msg.ID), zap.Error(sendErr))
		e.reply(ctx, msg.ConversationID, model.FailureResult(errText))
		return
	}

	if err := e.outbound.UpdateStatus(ctx, msg.ID, model.StatusSent, &resultID, nil); err != nil {
		// The email went out; a stuck row only costs an
		// already_processing reply if the id is ever replayed.
		e.log.Error("record sent status", zap.String("message_id", msg.ID), zap.Error(err))
	}
	metrics.OutboundTotal.WithLabelValues("sent").Inc()
	e.recordAudit(ctx, "outbound", msg.ID, "sent", resultID)
	e.publisher.Publish(ctx, events.OutboundSent, msg.ID, map[string]string{"mailgun_id": resultID})
	e.log.Info("outbound email sent", zap.String("message_id", msg.ID), zap.String("mailgun_id", resultID))
	e.reply(ctx, msg.ConversationID, model.SuccessResult(resultID))
}

// replayResult re-sends the recorded outcome for a request seen before.
// Non-terminal rows (an invocation still in flight, or one that died
// mid-send) answer already_processing and are never retried here.
func (e *Engine) replayResult(ctx context.Context, msg network.Message, row *model.OutboundRequest) {
	metrics.OutboundTotal.WithLabelValues("replayed").Inc()
	switch row.Status {
	case model.StatusSent:
		id := ""
		if row.ResultID != nil {
			id = *row.ResultID
		}
		e.log.Info("replaying recorded success", zap.String("message_id", msg.ID))
		e.reply(ctx, msg.ConversationID, model.SuccessResult(id))
	case model.StatusFailed:
		errText := "send failed"
		if row.Error != nil {
			errText = *row.Error
		}
		e.log.Info("replaying recorded failure", zap.String("message_id", msg.ID))
		e.reply(ctx, msg.ConversationID, model.FailureResult(errText))
	default:
		e.log.Info("request still in flight", zap.String("message_id", msg.ID), zap.String("status", row.Status.String()))
		e.reply(ctx, msg.ConversationID, model.FailureResult("already_processing"))
	}
}

func (e *Engine) rejectInvalid(ctx context.Context, msg network.Message, errText string) {
	metrics.OutboundTotal.WithLabelValues("rejected").Inc()
	e.recordAudit(ctx, "outbound", msg.ID, "rejected", errText)
	e.log.Info("invalid send request", zap.String("message_id", msg.ID), zap.String("error", errText))
	e.reply(ctx, msg.ConversationID, model.FailureResult(errText))
}

func (e *Engine) replyHelp(ctx context.Context, conversationID, sender string) {
	allowed, err := e.allowlist.IsAllowed(ctx, sender)
	if err != nil {
		e.log.Warn("allowlist lookup for help text failed", zap.String("sender", sender), zap.Error(err))
	}
	if err := e.conn.SendText(ctx, conversationID, helpText(allowed)); err != nil {
		e.log.Warn("help reply failed", zap.String("conversation", conversationID), zap.Error(err))
	}
}

func (e *Engine) reply(ctx context.Context, conversationID string, result model.SendResultV1) {
	payload, err := json.Marshal(result)
	if err != nil {
		e.log.Error("result marshal failed", zap.Error(err))
		return
	}
	if err := e.conn.SendText(ctx, conversationID, string(payload)); err != nil {
		e.log.Warn("result reply failed", zap.String("conversation", conversationID), zap.Error(err))
	}
}
