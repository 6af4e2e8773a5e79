package mailjobs

import (
	"context"
	"fmt"
)

// syncHandler pulls new mail from the provider. Its items are folders: a
// folder that fails counts as one failed item and the sync moves on.
type syncHandler struct {
	messages MessageStore
	clients  MailClientFactory
}

func (h *syncHandler) Kind() JobKind { return KindSync }

func (h *syncHandler) Plan(ctx context.Context, who Identity, payload Payload) (Plan, error) {
	p, ok := payload.(*SyncPayload)
	if !ok {
		return Plan{}, fmt.Errorf("%w: expected sync payload, got %T", ErrInvalidPayload, payload)
	}
	if _, err := authorizeAccount(ctx, h.messages, who, p.AccountID); err != nil {
		return Plan{}, err
	}
	if len(p.Folders) > 0 {
		return Plan{Total: len(p.Folders), ForceAsync: true}, nil
	}
	// The folder list is only known once connected; Open replaces this.
	return Plan{Total: 1, Estimated: true, ForceAsync: true}, nil
}

func (h *syncHandler) Open(ctx context.Context, run *Run) (Session, error) {
	p := run.Payload().(*SyncPayload)
	account, err := h.messages.Account(ctx, p.AccountID)
	if err != nil {
		return nil, Fatalf("load account %s: %w", p.AccountID, err)
	}
	client, err := h.clients.Dial(ctx, account)
	if err != nil {
		return nil, Fatalf("connect to provider of %s: %w", account.Address, err)
	}

	folders := copyStringSlice(p.Folders)
	if len(folders) == 0 {
		if folders, err = client.Folders(ctx); err != nil {
			_ = client.Close()
			return nil, Fatalf("list folders: %w", err)
		}
	}
	if err := run.SetTotal(len(folders), false); err != nil {
		_ = client.Close()
		return nil, err
	}
	run.Report(SyncDetail{})

	return &syncSession{
		run:      run,
		messages: h.messages,
		client:   client,
		account:  account.ID,
		folders:  idCursor{ids: folders},
	}, nil
}

type syncSession struct {
	run      *Run
	messages MessageStore
	client   MailClient
	account  string
	folders  idCursor
	synced   int
}

func (s *syncSession) Next(ctx context.Context) (Item, bool, error) {
	return s.folders.next()
}

func (s *syncSession) Perform(ctx context.Context, item Item) error {
	folder := item.Key
	s.run.Report(SyncDetail{CurrentFolder: folder, MessagesSynced: s.synced})

	checkpoint, err := s.messages.Checkpoint(ctx, s.account, folder)
	if err != nil {
		return fmt.Errorf("read checkpoint of %s: %w", folder, err)
	}
	saved := 0
	next, err := s.client.FetchSince(ctx, folder, checkpoint, func(raw []byte) error {
		if _, err := s.messages.SaveMessage(ctx, s.account, folder, raw); err != nil {
			return err
		}
		saved++
		return nil
	})
	// Messages already saved stay saved even when the folder fails.
	s.synced += saved
	if err != nil {
		s.run.Report(SyncDetail{CurrentFolder: folder, MessagesSynced: s.synced})
		return fmt.Errorf("sync folder %s: %w", folder, err)
	}
	if err := s.messages.SaveCheckpoint(ctx, s.account, folder, next); err != nil {
		return fmt.Errorf("save checkpoint of %s: %w", folder, err)
	}
	s.run.Report(SyncDetail{CurrentFolder: folder, MessagesSynced: s.synced})
	s.run.Logger().Debug("folder synced", "folder", folder, "messages", saved)
	return nil
}

func (s *syncSession) Close() error {
	return s.client.Close()
}
