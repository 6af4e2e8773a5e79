package mailjobs

import (
	"context"
	"fmt"
)

// accountItemKey marks the last item of a deletion, which removes the account
// itself once its messages are gone.
const accountItemKey = "\x00account"

// deletionHandler removes an account and its archive. Every message is one
// item; the account row is the final item and a failure there fails the job,
// since it would leave an account with a partial archive behind.
type deletionHandler struct {
	messages MessageStore
}

func (h *deletionHandler) Kind() JobKind { return KindDeletion }

func (h *deletionHandler) Plan(ctx context.Context, who Identity, payload Payload) (Plan, error) {
	p, ok := payload.(*DeletionPayload)
	if !ok {
		return Plan{}, fmt.Errorf("%w: expected deletion payload, got %T", ErrInvalidPayload, payload)
	}
	if _, err := authorizeAccount(ctx, h.messages, who, p.AccountID); err != nil {
		return Plan{}, err
	}
	n, err := h.messages.CountMessages(ctx, p.AccountID)
	if err != nil {
		return Plan{}, fmt.Errorf("count messages: %w", err)
	}
	return Plan{Total: n + 1, ForceAsync: true}, nil
}

func (h *deletionHandler) Open(ctx context.Context, run *Run) (Session, error) {
	p := run.Payload().(*DeletionPayload)
	ids, err := h.messages.MessageIDs(ctx, p.AccountID)
	if err != nil {
		return nil, Fatalf("list messages: %w", err)
	}
	if err := run.SetTotal(len(ids)+1, false); err != nil {
		return nil, err
	}
	items := make([]string, 0, len(ids)+1)
	items = append(items, ids...)
	items = append(items, accountItemKey)
	return &deletionSession{messages: h.messages, account: p.AccountID, items: idCursor{ids: items}}, nil
}

type deletionSession struct {
	messages MessageStore
	account  string
	items    idCursor
}

func (s *deletionSession) Next(ctx context.Context) (Item, bool, error) {
	return s.items.next()
}

func (s *deletionSession) Perform(ctx context.Context, item Item) error {
	if item.Key == accountItemKey {
		if err := s.messages.DeleteAccount(ctx, s.account); err != nil {
			return Fatalf("delete account %s: %w", s.account, err)
		}
		return nil
	}
	return s.messages.DeleteMessages(ctx, []string{item.Key})
}

func (s *deletionSession) Close() error { return nil }
