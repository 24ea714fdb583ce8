package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Outgoing is one email-send request. The from address is never
// user-supplied; the client stamps its configured sender on every send.
type Outgoing struct {
	To      []string
	CC      []string
	BCC     []string
	Subject string
	Text    string
	HTML    string
	ReplyTo string
}

// Sender is the email-send collaborator. Send returns the transport's
// message id on success.
type Sender interface {
	Send(ctx context.Context, out Outgoing) (string, error)
}

var ErrUnavailable = fmt.Errorf("mailgun unavailable (circuit open)")

// MailgunClient posts to the Mailgun messages API.
type MailgunClient struct {
	baseURL string
	domain  string
	apiKey  string
	from    string
	client  *http.Client
	br      *MicroBreaker
}

func NewMailgunClient(baseURL, domain, apiKey, from string, timeout time.Duration, failThreshold, openForMs int) *MailgunClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	if openForMs <= 0 {
		openForMs = 15000
	}

	return &MailgunClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		domain:  domain,
		apiKey:  apiKey,
		from:    from,
		client:  &http.Client{Timeout: timeout},
		br:      NewMicroBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

var _ Sender = (*MailgunClient)(nil)

type mailgunResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (c *MailgunClient) Send(ctx context.Context, out Outgoing) (string, error) {
	if !c.br.TryAcquire() {
		return "", ErrUnavailable
	}

	id, err := c.post(ctx, out)
	if err != nil {
		c.br.OnFailure()
		return "", err
	}

	c.br.OnSuccess()

	return id, nil
}

func (c *MailgunClient) post(ctx context.Context, out Outgoing) (string, error) {
	form := url.Values{}
	form.Set("from", c.from)
	for _, to := range out.To {
		form.Add("to", to)
	}
	for _, cc := range out.CC {
		form.Add("cc", cc)
	}
	for _, bcc := range out.BCC {
		form.Add("bcc", bcc)
	}
	if out.Subject != "" {
		form.Set("subject", out.Subject)
	}
	if out.Text != "" {
		form.Set("text", out.Text)
	}
	if out.HTML != "" {
		form.Set("html", out.HTML)
	}
	if out.ReplyTo != "" {
		form.Set("h:Reply-To", out.ReplyTo)
	}

	endpoint := fmt.Sprintf("%s/v3/%s/messages", c.baseURL, c.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", c.apiKey)

	res, err := c.client.Do(req)
	if err != nil {
		return "", err
	}

	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("mailgun auth failure status=%d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if res.StatusCode/100 != 2 {
		return "", fmt.Errorf("mailgun send failed status=%d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var mr mailgunResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return "", fmt.Errorf("mailgun response parse: %w", err)
	}
	if mr.ID == "" {
		return "", fmt.Errorf("mailgun response missing id")
	}
	return mr.ID, nil
}
