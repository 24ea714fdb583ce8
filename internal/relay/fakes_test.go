package relay

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/relaygate/mailbridge/internal/mailer"
	"github.com/relaygate/mailbridge/internal/model"
	"github.com/relaygate/mailbridge/internal/network"
	"github.com/relaygate/mailbridge/internal/repository"
	"github.com/relaygate/mailbridge/internal/util"
)

// ---- inbound store fake ----

type fakeInboundRepo struct {
	mu     sync.Mutex
	nextID int64
	byKey  map[string]int64
	items  map[int64]*model.InboundItem
	err    error
}

func newFakeInboundRepo() *fakeInboundRepo {
	return &fakeInboundRepo{byKey: map[string]int64{}, items: map[int64]*model.InboundItem{}}
}

func (f *fakeInboundRepo) Insert(_ context.Context, email model.InboundEmail) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, false, f.err
	}
	key := util.DedupeKey(email.TransportMessageID, email.From, email.To, email.Subject, email.Text, email.ReceivedAt)
	if _, ok := f.byKey[key]; ok {
		return 0, true, nil
	}
	f.nextID++
	id := f.nextID
	f.byKey[key] = id
	f.items[id] = &model.InboundItem{
		ID:         id,
		DedupeKey:  key,
		From:       email.From,
		To:         email.To,
		Subject:    email.Subject,
		Text:       email.Text,
		HTML:       email.HTML,
		MessageID:  email.MessageID,
		ReceivedAt: email.ReceivedAt,
		CreatedAt:  time.Now(),
	}
	return id, false, nil
}

func (f *fakeInboundRepo) Get(_ context.Context, id int64) (*model.InboundItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (f *fakeInboundRepo) ListUndelivered(_ context.Context, limit int) ([]model.InboundItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.InboundItem
	for id := int64(1); id <= f.nextID && len(out) < limit; id++ {
		if item, ok := f.items[id]; ok && !item.Delivered() {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (f *fakeInboundRepo) MarkDelivered(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[id]; ok {
		item.DeliveredAt = sql.NullTime{Time: at, Valid: true}
	}
	return nil
}

var _ repository.InboundRepository = (*fakeInboundRepo)(nil)

// ---- outbound store fake ----

type fakeOutboundRepo struct {
	mu   sync.Mutex
	rows map[string]*model.OutboundRequest
}

func newFakeOutboundRepo() *fakeOutboundRepo {
	return &fakeOutboundRepo{rows: map[string]*model.OutboundRequest{}}
}

func (f *fakeOutboundRepo) Get(_ context.Context, id string) (*model.OutboundRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (f *fakeOutboundRepo) InsertIfAbsent(_ context.Context, req model.OutboundRequest) (*model.OutboundRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[req.SourceMessageID]; ok {
		cp := *row
		return &cp, nil
	}
	req.Status = model.StatusReceived
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	f.rows[req.SourceMessageID] = &req
	cp := req
	return &cp, nil
}

func (f *fakeOutboundRepo) UpdateStatus(_ context.Context, id string, status model.RequestStatus, resultID, errText *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || !row.Status.CanTransitionTo(status) {
		return repository.ErrStaleTransition
	}
	row.Status = status
	if resultID != nil {
		row.ResultID = resultID
	}
	if errText != nil {
		row.Error = errText
	}
	row.UpdatedAt = time.Now()
	return nil
}

var _ repository.OutboundRepository = (*fakeOutboundRepo)(nil)

// ---- allowlist fake ----

type fakeAllowlistRepo struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newFakeAllowlistRepo(ids ...string) *fakeAllowlistRepo {
	f := &fakeAllowlistRepo{ids: map[string]struct{}{}}
	for _, id := range ids {
		f.ids[util.CanonicalIdentity(id)] = struct{}{}
	}
	return f
}

func (f *fakeAllowlistRepo) IsAllowed(_ context.Context, identity string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ids[util.CanonicalIdentity(identity)]
	return ok, nil
}

func (f *fakeAllowlistRepo) Seed(_ context.Context, identities []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range identities {
		f.ids[util.CanonicalIdentity(id)] = struct{}{}
	}
	return nil
}

var _ repository.AllowlistRepository = (*fakeAllowlistRepo)(nil)

// ---- email sender fake ----

type fakeSender struct {
	mu    sync.Mutex
	calls []mailer.Outgoing
	id    string
	err   error
}

func (f *fakeSender) Send(_ context.Context, out mailer.Outgoing) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, out)
	if f.err != nil {
		return "", f.err
	}
	if f.id == "" {
		return "mg-default", nil
	}
	return f.id, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var _ mailer.Sender = (*fakeSender)(nil)

// ---- network fake ----

type sentText struct {
	ConversationID string
	Content        string
}

type fakeConn struct {
	mu         sync.Mutex
	sent       []sentText
	sendErrs   []error // consumed one per SendText call
	identities map[string]string
	self       string
	convID     string
	resolveErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		identities: map[string]string{},
		self:       "net:bridge",
		convID:     "conv-1",
	}
}

func (f *fakeConn) SendText(_ context.Context, conversationID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sentText{ConversationID: conversationID, Content: content})
	return nil
}

func (f *fakeConn) Fetch(_ context.Context, cursor string) ([]network.Message, string, error) {
	return nil, cursor, nil
}

func (f *fakeConn) ResolveIdentity(_ context.Context, handle string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	id, ok := f.identities[handle]
	if !ok {
		return "", fmt.Errorf("unknown handle %q", handle)
	}
	return util.CanonicalIdentity(id), nil
}

func (f *fakeConn) ResolveConversation(_ context.Context, handle string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return f.convID, nil
}

func (f *fakeConn) OwnIdentity(_ context.Context) (string, error) {
	return f.self, nil
}

func (f *fakeConn) sentMessages() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

var _ network.Conn = (*fakeConn)(nil)

// newTestEngine wires an engine from fakes and starts it.
func newTestEngine(t interface {
	Helper()
	Fatalf(string, ...any)
}, inbound *fakeInboundRepo, outbound *fakeOutboundRepo, allow *fakeAllowlistRepo, sender *fakeSender, conn *fakeConn, opts Options) *Engine {
	t.Helper()
	eng := NewEngine(inbound, outbound, allow, nil, sender, conn, nil, opts)
	if err := eng.Start(context.Background(), "ops-room", nil); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	return eng
}
