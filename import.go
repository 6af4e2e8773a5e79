package mailjobs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

var mboxSeparator = []byte("From ")

// importHandler reads an mbox file into the archive. The total is estimated
// by counting "From " lines before the job is routed; the real count is lower
// when bodies contain unquoted "From " lines, and differs when the file
// changes between the scan and the run.
type importHandler struct {
	messages MessageStore
	mbox     MboxSource
}

func (h *importHandler) Kind() JobKind { return KindImport }

func (h *importHandler) Plan(ctx context.Context, who Identity, payload Payload) (Plan, error) {
	p, ok := payload.(*ImportPayload)
	if !ok {
		return Plan{}, fmt.Errorf("%w: expected import payload, got %T", ErrInvalidPayload, payload)
	}
	if p.FilePath == "" || p.Folder == "" {
		return Plan{}, fmt.Errorf("%w: file_path and folder are required", ErrInvalidPayload)
	}
	if _, err := authorizeAccount(ctx, h.messages, who, p.AccountID); err != nil {
		return Plan{}, err
	}

	f, err := h.mbox.OpenMbox(ctx, p.FilePath)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	defer f.Close()
	n, err := countMboxMessages(f)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: scan mbox: %v", ErrInvalidPayload, err)
	}
	return Plan{Total: n, Estimated: true, ForceAsync: true}, nil
}

func (h *importHandler) Open(ctx context.Context, run *Run) (Session, error) {
	p := run.Payload().(*ImportPayload)
	f, err := h.mbox.OpenMbox(ctx, p.FilePath)
	if err != nil {
		return nil, Fatal(err)
	}
	return &importSession{
		messages: h.messages,
		file:     f,
		reader:   newMboxReader(f),
		account:  p.AccountID,
		folder:   p.Folder,
	}, nil
}

type importSession struct {
	messages MessageStore
	file     io.Closer
	reader   *mboxReader
	account  string
	folder   string
}

func (s *importSession) Next(ctx context.Context) (Item, bool, error) {
	raw, err := s.reader.next()
	if errors.Is(err, io.EOF) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("read mbox: %w", err)
	}
	return Item{Key: fmt.Sprintf("message #%d", s.reader.count), Body: raw}, true, nil
}

func (s *importSession) Perform(ctx context.Context, item Item) error {
	if len(bytes.TrimSpace(item.Body)) == 0 {
		return fmt.Errorf("%s is empty", item.Key)
	}
	_, err := s.messages.SaveMessage(ctx, s.account, s.folder, item.Body)
	return err
}

func (s *importSession) Close() error {
	return s.file.Close()
}

// countMboxMessages counts separator lines.
func countMboxMessages(r io.Reader) (int, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	n := 0
	atLineStart := true
	for {
		line, err := br.ReadSlice('\n')
		if atLineStart && bytes.HasPrefix(line, mboxSeparator) {
			n++
		}
		switch {
		case err == nil:
			atLineStart = true
		case errors.Is(err, bufio.ErrBufferFull):
			atLineStart = false
		case errors.Is(err, io.EOF):
			return n, nil
		default:
			return n, err
		}
	}
}

// mboxReader splits an mbox stream into messages. A "From " line only
// separates messages when it follows a blank line; separator lines are
// dropped and ">From " quoting is undone.
type mboxReader struct {
	br      *bufio.Reader
	pending bool // a separator line was consumed but its message not returned
	count   int
}

func newMboxReader(r io.Reader) *mboxReader {
	return &mboxReader{br: bufio.NewReaderSize(r, 64*1024)}
}

func (m *mboxReader) next() ([]byte, error) {
	if !m.pending {
		// Skip anything before the first separator.
		for {
			line, err := m.br.ReadBytes('\n')
			if bytes.HasPrefix(line, mboxSeparator) {
				break
			}
			if err != nil {
				return nil, err
			}
		}
	}
	m.pending = false

	var msg bytes.Buffer
	prevBlank := false
	for {
		line, err := m.br.ReadBytes('\n')
		if prevBlank && bytes.HasPrefix(line, mboxSeparator) {
			m.pending = true
			break
		}
		prevBlank = len(bytes.TrimRight(line, "\r\n")) == 0 && len(line) > 0
		msg.Write(unquoteFrom(line))
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	m.count++
	return trimTrailingBlank(msg.Bytes()), nil
}

// unquoteFrom turns ">From " (and ">>From " etc.) back into one level less.
func unquoteFrom(line []byte) []byte {
	trimmed := bytes.TrimLeft(line, ">")
	if len(trimmed) < len(line) && bytes.HasPrefix(trimmed, mboxSeparator) {
		return line[1:]
	}
	return line
}

// trimTrailingBlank drops the blank line that precedes the next separator.
func trimTrailingBlank(b []byte) []byte {
	switch {
	case bytes.HasSuffix(b, []byte("\r\n\r\n")):
		return b[:len(b)-2]
	case bytes.HasSuffix(b, []byte("\n\n")):
		return b[:len(b)-1]
	}
	return b
}
