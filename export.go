package mailjobs

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

const zipContentType = "application/zip"

// exportHandler writes the archived messages of an account into a ZIP of .eml
// files. The whole account is read, so it always runs in the background.
type exportHandler struct {
	messages MessageStore
	dir      string
}

func (h *exportHandler) Kind() JobKind { return KindExport }

func (h *exportHandler) Plan(ctx context.Context, who Identity, payload Payload) (Plan, error) {
	p, ok := payload.(*ExportPayload)
	if !ok {
		return Plan{}, fmt.Errorf("%w: expected export payload, got %T", ErrInvalidPayload, payload)
	}
	if _, err := authorizeAccount(ctx, h.messages, who, p.AccountID); err != nil {
		return Plan{}, err
	}
	n, err := h.messages.CountMessages(ctx, p.AccountID)
	if err != nil {
		return Plan{}, fmt.Errorf("count messages: %w", err)
	}
	return Plan{Total: n, ForceAsync: true}, nil
}

func (h *exportHandler) Open(ctx context.Context, run *Run) (Session, error) {
	p := run.Payload().(*ExportPayload)
	ids, err := h.messages.MessageIDs(ctx, p.AccountID)
	if err != nil {
		return nil, Fatalf("list messages: %w", err)
	}
	// Mail may have arrived or been deleted since the count.
	if err := run.SetTotal(len(ids), false); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("export-%s-%s.zip", safeName(p.AccountID), time.Now().Format("20060102-150405"))
	session, err := openZipSession(run, h.messages, h.dir, ids, name, func(msg *Message) error {
		if msg.AccountID != p.AccountID {
			return fmt.Errorf("message %s belongs to another account", msg.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// selectionExportHandler exports an explicit list of messages, typically
// staged through the handoff channel by a listing page.
type selectionExportHandler struct {
	messages MessageStore
	dir      string
}

func (h *selectionExportHandler) Kind() JobKind { return KindSelectionExport }

func (h *selectionExportHandler) Plan(ctx context.Context, who Identity, payload Payload) (Plan, error) {
	p, ok := payload.(*SelectionExportPayload)
	if !ok {
		return Plan{}, fmt.Errorf("%w: expected selection export payload, got %T", ErrInvalidPayload, payload)
	}
	if who.UserID == "" && !who.Admin {
		return Plan{}, fmt.Errorf("%w: anonymous export", ErrForbidden)
	}
	return Plan{Total: len(p.MessageIDs), ForceAsync: true}, nil
}

func (h *selectionExportHandler) Open(ctx context.Context, run *Run) (Session, error) {
	p := run.Payload().(*SelectionExportPayload)
	owner := run.OwnerID()
	owners := make(map[string]string)
	name := fmt.Sprintf("selection-%s.zip", time.Now().Format("20060102-150405"))
	session, err := openZipSession(run, h.messages, h.dir, p.MessageIDs, name, func(msg *Message) error {
		accountOwner, ok := owners[msg.AccountID]
		if !ok {
			account, err := h.messages.Account(ctx, msg.AccountID)
			if err != nil {
				return fmt.Errorf("load account %s: %w", msg.AccountID, err)
			}
			accountOwner = account.OwnerID
			owners[msg.AccountID] = accountOwner
		}
		if accountOwner != owner {
			return fmt.Errorf("%w: message %s", ErrForbidden, msg.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// zipSession streams messages into a ZIP file under the artifact directory.
type zipSession struct {
	messages MessageStore
	ids      idCursor
	check    func(msg *Message) error

	path      string
	name      string
	file      *os.File
	zw        *zip.Writer
	finalized bool
}

func openZipSession(run *Run, messages MessageStore, dir string, ids []string, name string, check func(*Message) error) (*zipSession, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Fatalf("create artifact dir: %w", err)
	}
	path := filepath.Join(dir, run.JobID()+".zip")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, Fatalf("create artifact: %w", err)
	}
	return &zipSession{
		messages: messages,
		ids:      idCursor{ids: ids},
		check:    check,
		path:     path,
		name:     name,
		file:     f,
		zw:       zip.NewWriter(f),
	}, nil
}

func (s *zipSession) Next(ctx context.Context) (Item, bool, error) {
	return s.ids.next()
}

func (s *zipSession) Perform(ctx context.Context, item Item) error {
	msg, err := s.messages.Message(ctx, item.Key)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if err := s.check(msg); err != nil {
		return err
	}
	w, err := s.zw.CreateHeader(&zip.FileHeader{
		Name:     safeName(msg.ID) + ".eml",
		Method:   zip.Deflate,
		Modified: msg.Date,
	})
	if err != nil {
		// The archive stream is broken from here on.
		return Fatalf("write archive entry: %w", err)
	}
	if _, err := w.Write(msg.Raw); err != nil {
		return Fatalf("write archive entry: %w", err)
	}
	return nil
}

func (s *zipSession) Finalize(ctx context.Context) (*ArtifactSpec, error) {
	if err := s.zw.Close(); err != nil {
		return nil, Fatalf("close archive: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return nil, Fatalf("close archive file: %w", err)
	}
	s.finalized = true
	return &ArtifactSpec{FilePath: s.path, ContentType: zipContentType, FileName: s.name}, nil
}

// Close removes the partial file of a job that did not finish.
func (s *zipSession) Close() error {
	if s.finalized {
		return nil
	}
	_ = s.zw.Close()
	_ = s.file.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}
