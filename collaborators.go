package mailjobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// Account is a mail account known to the archive.
type Account struct {
	ID      string
	OwnerID string
	Address string
}

// Message is one archived message.
type Message struct {
	ID        string
	AccountID string
	Folder    string
	Subject   string
	Date      time.Time
	Raw       []byte // RFC 5322 source
}

// MessageStore is the archive data store. Implementations must be safe for
// concurrent use.
type MessageStore interface {
	Account(ctx context.Context, accountID string) (*Account, error)
	Message(ctx context.Context, id string) (*Message, error)
	// MessageIDs lists every archived message of an account.
	MessageIDs(ctx context.Context, accountID string) ([]string, error)
	CountMessages(ctx context.Context, accountID string) (int, error)
	// SaveMessage archives raw into folder and returns the new message id.
	SaveMessage(ctx context.Context, accountID, folder string, raw []byte) (string, error)
	DeleteMessages(ctx context.Context, ids []string) error
	DeleteAccount(ctx context.Context, accountID string) error
	// Checkpoint returns the sync position of a folder, "" when never synced.
	Checkpoint(ctx context.Context, accountID, folder string) (string, error)
	SaveCheckpoint(ctx context.Context, accountID, folder, checkpoint string) error
}

// MailClient talks to the provider of one account (IMAP or a cloud API).
type MailClient interface {
	Folders(ctx context.Context) ([]string, error)
	// Append uploads raw into folder, keeping the original date.
	Append(ctx context.Context, folder string, raw []byte, date time.Time) error
	// FetchSince calls fn for every message in folder newer than checkpoint and
	// returns the new checkpoint. It stops at the first error returned by fn.
	FetchSince(ctx context.Context, folder, checkpoint string, fn func(raw []byte) error) (string, error)
	Close() error
}

// MailClientFactory connects to the provider of an account.
type MailClientFactory interface {
	Dial(ctx context.Context, account *Account) (MailClient, error)
}

// MboxSource opens uploaded mbox files.
type MboxSource interface {
	OpenMbox(ctx context.Context, path string) (io.ReadCloser, error)
}

// FileMboxSource reads mbox files from the local filesystem.
type FileMboxSource struct{}

func (FileMboxSource) OpenMbox(ctx context.Context, path string) (io.ReadCloser, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	return f, nil
}

// authorizeAccount loads accountID and checks that who may act on it.
func authorizeAccount(ctx context.Context, messages MessageStore, who Identity, accountID string) (*Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", ErrInvalidPayload)
	}
	account, err := messages.Account(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", accountID, err)
	}
	if !who.CanAccess(account.OwnerID) {
		return nil, fmt.Errorf("%w: account %s", ErrForbidden, accountID)
	}
	return account, nil
}
