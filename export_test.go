package mailjobs

import "io"

// Test hooks for unexported helpers.

var (
	CountMboxMessages = countMboxMessages
	EncodeIDs         = encodeIDs
	ProgressPercent   = progressPercent
)

func ReadMbox(r io.Reader) ([][]byte, error) {
	m := newMboxReader(r)
	var out [][]byte
	for {
		msg, err := m.next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
}
