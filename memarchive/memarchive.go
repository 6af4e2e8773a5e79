// Package memarchive provides an in-memory archive store and mail provider
// implementing the mailjobs collaborator interfaces, for examples and tests.
package memarchive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mailarchive/mailjobs"
)

var (
	ErrNoAccount = errors.New("account not found")
	ErrNoMessage = errors.New("message not found")
)

// Archive is an in-memory mailjobs.MessageStore.
type Archive struct {
	// Delay is slept, honoring the context, before every per-message
	// operation. It makes jobs slow enough to observe and cancel.
	Delay time.Duration
	// FailMessage, when set, is consulted on every Message lookup.
	FailMessage func(id string) error
	// FailDeleteAccount is returned by DeleteAccount when set.
	FailDeleteAccount error

	mu          sync.Mutex
	seq         int
	accounts    map[string]*mailjobs.Account
	messages    map[string]*mailjobs.Message
	order       []string
	checkpoints map[string]string
}

// NewArchive returns an empty archive.
func NewArchive() *Archive {
	return &Archive{
		accounts:    make(map[string]*mailjobs.Account),
		messages:    make(map[string]*mailjobs.Message),
		checkpoints: make(map[string]string),
	}
}

// AddAccount registers an account.
func (a *Archive) AddAccount(id, ownerID, address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts[id] = &mailjobs.Account{ID: id, OwnerID: ownerID, Address: address}
}

// Seed archives n generated messages into folder and returns their ids.
func (a *Archive) Seed(accountID, folder string, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		raw := fmt.Sprintf("From: sender%d@example.com\r\nSubject: message %d\r\n\r\nbody %d\r\n", i, i, i)
		a.mu.Lock()
		ids = append(ids, a.add(accountID, folder, []byte(raw)))
		a.mu.Unlock()
	}
	return ids
}

func (a *Archive) add(accountID, folder string, raw []byte) string {
	a.seq++
	id := fmt.Sprintf("msg-%06d", a.seq)
	a.messages[id] = &mailjobs.Message{
		ID:        id,
		AccountID: accountID,
		Folder:    folder,
		Subject:   fmt.Sprintf("message %d", a.seq),
		Date:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(a.seq) * time.Minute),
		Raw:       append([]byte(nil), raw...),
	}
	a.order = append(a.order, id)
	return id
}

// Count returns how many messages an account holds.
func (a *Archive) Count(accountID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, m := range a.messages {
		if m.AccountID == accountID {
			n++
		}
	}
	return n
}

// HasAccount reports whether the account still exists.
func (a *Archive) HasAccount(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.accounts[id]
	return ok
}

func (a *Archive) Account(ctx context.Context, accountID string) (*mailjobs.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAccount, accountID)
	}
	clone := *acc
	return &clone, nil
}

func (a *Archive) Message(ctx context.Context, id string) (*mailjobs.Message, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	if a.FailMessage != nil {
		if err := a.FailMessage(id); err != nil {
			return nil, err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoMessage, id)
	}
	clone := *m
	return &clone, nil
}

func (a *Archive) MessageIDs(ctx context.Context, accountID string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0)
	for _, id := range a.order {
		if m, ok := a.messages[id]; ok && m.AccountID == accountID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (a *Archive) CountMessages(ctx context.Context, accountID string) (int, error) {
	return a.Count(accountID), nil
}

func (a *Archive) SaveMessage(ctx context.Context, accountID, folder string, raw []byte) (string, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.accounts[accountID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNoAccount, accountID)
	}
	return a.add(accountID, folder, raw), nil
}

func (a *Archive) DeleteMessages(ctx context.Context, ids []string) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		if _, ok := a.messages[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNoMessage, id)
		}
		delete(a.messages, id)
	}
	return nil
}

func (a *Archive) DeleteAccount(ctx context.Context, accountID string) error {
	if a.FailDeleteAccount != nil {
		return a.FailDeleteAccount
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.accounts[accountID]; !ok {
		return fmt.Errorf("%w: %s", ErrNoAccount, accountID)
	}
	delete(a.accounts, accountID)
	for id, m := range a.messages {
		if m.AccountID == accountID {
			delete(a.messages, id)
		}
	}
	return nil
}

func (a *Archive) Checkpoint(ctx context.Context, accountID, folder string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkpoints[accountID+"/"+folder], nil
}

func (a *Archive) SaveCheckpoint(ctx context.Context, accountID, folder, checkpoint string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkpoints[accountID+"/"+folder] = checkpoint
	return nil
}

func (a *Archive) wait(ctx context.Context) error {
	if a.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(a.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Provider is an in-memory mailjobs.MailClientFactory holding the remote
// mailboxes of accounts.
type Provider struct {
	// DialErr is returned by Dial when set.
	DialErr error
	// FailFolder maps folder names to the error FetchSince returns for them.
	FailFolder map[string]error
	// FailAppend, when set, is consulted on every Append.
	FailAppend func(raw []byte) error

	mu       sync.Mutex
	remote   map[string]map[string][][]byte
	appended map[string]map[string][][]byte
}

// NewProvider returns a provider with no mailboxes.
func NewProvider() *Provider {
	return &Provider{
		FailFolder: make(map[string]error),
		remote:     make(map[string]map[string][][]byte),
		appended:   make(map[string]map[string][][]byte),
	}
}

// AddRemote places raw messages into a remote folder of an account.
func (p *Provider) AddRemote(accountID, folder string, raws ...[]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote[accountID] == nil {
		p.remote[accountID] = make(map[string][][]byte)
	}
	p.remote[accountID][folder] = append(p.remote[accountID][folder], raws...)
}

// Appended returns the messages restored into a folder.
func (p *Provider) Appended(accountID, folder string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.appended[accountID][folder]...)
}

func (p *Provider) Dial(ctx context.Context, account *mailjobs.Account) (mailjobs.MailClient, error) {
	if p.DialErr != nil {
		return nil, p.DialErr
	}
	return &client{provider: p, account: account.ID}, nil
}

type client struct {
	provider *Provider
	account  string
}

func (c *client) Folders(ctx context.Context) ([]string, error) {
	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()
	folders := make([]string, 0, len(c.provider.remote[c.account]))
	for f := range c.provider.remote[c.account] {
		folders = append(folders, f)
	}
	sort.Strings(folders)
	return folders, nil
}

func (c *client) Append(ctx context.Context, folder string, raw []byte, date time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.provider.FailAppend != nil {
		if err := c.provider.FailAppend(raw); err != nil {
			return err
		}
	}
	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()
	if c.provider.appended[c.account] == nil {
		c.provider.appended[c.account] = make(map[string][][]byte)
	}
	c.provider.appended[c.account][folder] = append(c.provider.appended[c.account][folder], raw)
	return nil
}

// FetchSince uses the index of the next unseen message as checkpoint.
func (c *client) FetchSince(ctx context.Context, folder, checkpoint string, fn func(raw []byte) error) (string, error) {
	if err := c.provider.FailFolder[folder]; err != nil {
		return checkpoint, err
	}
	start := 0
	if checkpoint != "" {
		n, err := strconv.Atoi(checkpoint)
		if err != nil {
			return checkpoint, fmt.Errorf("bad checkpoint %q", checkpoint)
		}
		start = n
	}
	c.provider.mu.Lock()
	msgs := append([][]byte(nil), c.provider.remote[c.account][folder]...)
	c.provider.mu.Unlock()

	next := start
	for i := start; i < len(msgs); i++ {
		if err := ctx.Err(); err != nil {
			return strconv.Itoa(next), err
		}
		if err := fn(msgs[i]); err != nil {
			return strconv.Itoa(next), err
		}
		next = i + 1
	}
	return strconv.Itoa(next), nil
}

func (c *client) Close() error { return nil }
