package model

import (
	"errors"
	"fmt"

	"github.com/relaygate/mailbridge/internal/util"
)

// Wire message types exchanged over the network conversation.
const (
	TypeInboundEmail = "email.inbound.v1"
	TypeSendRequest  = "email.send.v1"
	TypeSendResult   = "email.send.result.v1"
)

const MaxRecipients = 20

// InboundEmailV1 is the document delivered into the conversation for
// each received email.
type InboundEmailV1 struct {
	Type       string `json:"type"`
	To         string `json:"to"`
	From       string `json:"from"`
	Subject    string `json:"subject"`
	Text       string `json:"text"`
	HTML       string `json:"html"`
	MessageID  string `json:"messageId"`
	ReceivedAt string `json:"receivedAt"`
}

// SendRequestV1 is the strict schema accepted from the network. Unknown
// fields are rejected at decode time (json.Decoder.DisallowUnknownFields);
// Validate covers everything else.
type SendRequestV1 struct {
	Type    string   `json:"type"`
	To      []string `json:"to"`
	CC      []string `json:"cc,omitempty"`
	BCC     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject,omitempty"`
	Text    *string  `json:"text,omitempty"`
	HTML    *string  `json:"html,omitempty"`
	ReplyTo *string  `json:"replyTo,omitempty"`
}

var (
	ErrNoRecipients      = errors.New("to must contain at least one recipient")
	ErrTooManyRecipients = fmt.Errorf("at most %d recipients per field", MaxRecipients)
	ErrNoBody            = errors.New("one of text or html is required")
)

// Validate checks the request against the outbound schema. Violations
// reject the request wholesale.
func (r SendRequestV1) Validate() error {
	if r.Type != TypeSendRequest {
		return fmt.Errorf("unexpected type %q", r.Type)
	}
	if len(r.To) == 0 {
		return ErrNoRecipients
	}
	if len(r.To) > MaxRecipients {
		return ErrTooManyRecipients
	}
	if len(r.CC) > MaxRecipients || len(r.BCC) > MaxRecipients {
		return ErrTooManyRecipients
	}
	for _, field := range [][]string{r.To, r.CC, r.BCC} {
		for _, addr := range field {
			if !util.ValidEmail(addr) {
				return fmt.Errorf("invalid email address %q", addr)
			}
		}
	}
	if r.ReplyTo != nil && *r.ReplyTo != "" && !util.ValidEmail(*r.ReplyTo) {
		return fmt.Errorf("invalid replyTo address %q", *r.ReplyTo)
	}
	if !hasContent(r.Text) && !hasContent(r.HTML) {
		return ErrNoBody
	}
	return nil
}

func hasContent(s *string) bool {
	return s != nil && *s != ""
}

// SendResultV1 is the reply sent back to the requesting conversation
// for every send attempt.
type SendResultV1 struct {
	Type      string  `json:"type"`
	OK        bool    `json:"ok"`
	MailgunID *string `json:"mailgunId"`
	Error     *string `json:"error"`
}

func SuccessResult(mailgunID string) SendResultV1 {
	return SendResultV1{Type: TypeSendResult, OK: true, MailgunID: &mailgunID}
}

func FailureResult(errText string) SendResultV1 {
	return SendResultV1{Type: TypeSendResult, OK: false, Error: &errText}
}
