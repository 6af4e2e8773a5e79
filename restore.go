package mailjobs

import (
	"context"
	"fmt"
)

// restoreHandler copies archived messages back into a folder of the
// account's mailbox.
type restoreHandler struct {
	messages MessageStore
	clients  MailClientFactory
}

func (h *restoreHandler) Kind() JobKind { return KindRestore }

func (h *restoreHandler) Plan(ctx context.Context, who Identity, payload Payload) (Plan, error) {
	p, ok := payload.(*RestorePayload)
	if !ok {
		return Plan{}, fmt.Errorf("%w: expected restore payload, got %T", ErrInvalidPayload, payload)
	}
	if p.Folder == "" {
		return Plan{}, fmt.Errorf("%w: folder is required", ErrInvalidPayload)
	}
	if _, err := authorizeAccount(ctx, h.messages, who, p.AccountID); err != nil {
		return Plan{}, err
	}
	return Plan{Total: len(p.MessageIDs)}, nil
}

func (h *restoreHandler) Open(ctx context.Context, run *Run) (Session, error) {
	p := run.Payload().(*RestorePayload)
	account, err := h.messages.Account(ctx, p.AccountID)
	if err != nil {
		return nil, Fatalf("load account %s: %w", p.AccountID, err)
	}
	client, err := h.clients.Dial(ctx, account)
	if err != nil {
		return nil, Fatalf("connect to provider of %s: %w", account.Address, err)
	}
	return &restoreSession{
		ids:      idCursor{ids: p.MessageIDs},
		messages: h.messages,
		client:   client,
		account:  account.ID,
		folder:   p.Folder,
	}, nil
}

type restoreSession struct {
	ids      idCursor
	messages MessageStore
	client   MailClient
	account  string
	folder   string
}

func (s *restoreSession) Next(ctx context.Context) (Item, bool, error) {
	return s.ids.next()
}

func (s *restoreSession) Perform(ctx context.Context, item Item) error {
	msg, err := s.messages.Message(ctx, item.Key)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if msg.AccountID != s.account {
		return fmt.Errorf("message %s belongs to another account", item.Key)
	}
	return s.client.Append(ctx, s.folder, msg.Raw, msg.Date)
}

func (s *restoreSession) Close() error {
	return s.client.Close()
}

// idCursor walks an explicit id list.
type idCursor struct {
	ids []string
	pos int
}

func (c *idCursor) next() (Item, bool, error) {
	if c.pos >= len(c.ids) {
		return Item{}, false, nil
	}
	id := c.ids[c.pos]
	c.pos++
	return Item{Key: id}, true, nil
}
