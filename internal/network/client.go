// Package network talks to a relay-network node over HTTP. The rest of
// the system treats the network as opaque send/receive primitives: send
// a text message into a conversation, read the ordered message stream,
// and resolve human-readable handles to canonical identities.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relaygate/mailbridge/internal/util"
)

// Message is one message observed on the network stream.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender"`
	Kind           string `json:"kind"` // "text" | "media" | ...
	Content        string `json:"content"`
}

// Text reports whether the message carries plain text content.
func (m Message) Text() bool {
	return m.Kind == "text"
}

// Conn is the messaging-network collaborator.
type Conn interface {
	// SendText posts a text message into a conversation.
	SendText(ctx context.Context, conversationID, content string) error
	// Fetch long-polls the ordered message stream from cursor. It
	// returns the next batch plus the cursor to resume from.
	Fetch(ctx context.Context, cursor string) ([]Message, string, error)
	// ResolveIdentity maps a raw address or alias to the canonical
	// network identity.
	ResolveIdentity(ctx context.Context, handle string) (string, error)
	// ResolveConversation maps a conversation handle to its id.
	ResolveConversation(ctx context.Context, handle string) (string, error)
	// OwnIdentity returns the canonical identity the client is
	// authenticated as.
	OwnIdentity(ctx context.Context) (string, error)
}

// Client is the HTTP implementation of Conn against a node API.
type Client struct {
	baseURL   string
	authToken string
	pollWait  time.Duration
	client    *http.Client
}

func NewClient(baseURL, authToken string, timeout, pollWait time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("network: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("network: invalid base URL %q: %w", baseURL, err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if pollWait <= 0 {
		pollWait = 25 * time.Second
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		pollWait:  pollWait,
		// The long-poll wait rides on top of the base timeout.
		client: &http.Client{Timeout: timeout + pollWait},
	}, nil
}

var _ Conn = (*Client)(nil)

func (c *Client) SendText(ctx context.Context, conversationID, content string) error {
	payload := map[string]string{"kind": "text", "content": content}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	_, err := c.doRequest(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return fmt.Errorf("network: send to conversation %s: %w", conversationID, err)
	}
	return nil
}

type fetchResponse struct {
	Messages []Message `json:"messages"`
	Cursor   string    `json:"cursor"`
}

func (c *Client) Fetch(ctx context.Context, cursor string) ([]Message, string, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("wait", fmt.Sprintf("%d", int(c.pollWait.Seconds())))

	body, err := c.doRequest(ctx, http.MethodGet, "/v1/messages", q, nil)
	if err != nil {
		return nil, cursor, fmt.Errorf("network: fetch messages: %w", err)
	}

	var res fetchResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, cursor, fmt.Errorf("network: parse fetch response: %w", err)
	}
	next := res.Cursor
	if next == "" {
		next = cursor
	}
	return res.Messages, next, nil
}

type resolveResponse struct {
	Identity       string `json:"identity"`
	ConversationID string `json:"conversation_id"`
}

func (c *Client) ResolveIdentity(ctx context.Context, handle string) (string, error) {
	q := url.Values{}
	q.Set("handle", handle)
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/identities/resolve", q, nil)
	if err != nil {
		return "", fmt.Errorf("network: resolve identity %q: %w", handle, err)
	}
	var res resolveResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("network: parse resolve response: %w", err)
	}
	if res.Identity == "" {
		return "", fmt.Errorf("network: handle %q resolved to empty identity", handle)
	}
	return util.CanonicalIdentity(res.Identity), nil
}

func (c *Client) ResolveConversation(ctx context.Context, handle string) (string, error) {
	q := url.Values{}
	q.Set("handle", handle)
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/conversations/resolve", q, nil)
	if err != nil {
		return "", fmt.Errorf("network: resolve conversation %q: %w", handle, err)
	}
	var res resolveResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("network: parse resolve response: %w", err)
	}
	if res.ConversationID == "" {
		return "", fmt.Errorf("network: conversation handle %q resolved to empty id", handle)
	}
	return res.ConversationID, nil
}

func (c *Client) OwnIdentity(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/identity", nil, nil)
	if err != nil {
		return "", fmt.Errorf("network: own identity: %w", err)
	}
	var res resolveResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("network: parse identity response: %w", err)
	}
	return util.CanonicalIdentity(res.Identity), nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s %s status=%d: %s", method, path, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
