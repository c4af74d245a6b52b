package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/kaptinlin/jsonrepair"
)

// MaxLineBytes bounds a single protocol line.
const MaxLineBytes = 4 * 1024 * 1024

// Encoder writes newline-delimited JSON messages. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes v followed by a newline.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// DecodeError reports a line that could not be parsed as a Message. It is
// not fatal: the Decoder can keep reading after it.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode worker line %q: %v", truncate(e.Line, 120), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is a recoverable per-line failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Decoder reads newline-delimited worker messages. Lines with minor JSON
// damage (trailing commas, single quotes, unterminated objects) are repaired
// before being rejected.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return &Decoder{scanner: scanner}
}

// Next returns the next message. It returns io.EOF at end of stream and a
// *DecodeError for unparseable lines. Blank lines are skipped.
func (d *Decoder) Next() (Message, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return DecodeMessage(line)
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, fmt.Errorf("read worker stream: %w", err)
	}
	return Message{}, io.EOF
}

// DecodeMessage parses a single line.
func DecodeMessage(line []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(line, &msg)
	if err == nil {
		return msg, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(string(line))
	if repairErr != nil {
		return Message{}, &DecodeError{Line: bytes.Clone(line), Err: err}
	}
	var fixed Message
	if err := json.Unmarshal([]byte(repaired), &fixed); err != nil {
		return Message{}, &DecodeError{Line: bytes.Clone(line), Err: err}
	}
	return fixed, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
