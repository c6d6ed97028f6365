package indexer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Message is a normalized email as produced by a mail sync job.
type Message struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
	Subject   string `json:"subject"`
	FromAddr  string `json:"from_addr"`
	// Date is RFC 3339.
	Date string `json:"date"`
	Body string `json:"body"`
}

// maxLineBytes bounds one JSONL record. Long HTML-derived bodies exceed the
// bufio.Scanner default of 64 KiB.
const maxLineBytes = 8 << 20

// ReadJSONL decodes one Message per non-blank line of r. Lines that fail to
// decode or lack a message_id are reported with their line number.
func ReadJSONL(r io.Reader) ([]Message, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var msgs []Message
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("indexer: line %d: %w", line, err)
		}
		if m.MessageID == "" {
			return nil, fmt.Errorf("indexer: line %d: message_id is required", line)
		}
		msgs = append(msgs, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("indexer: read: %w", err)
	}
	return msgs, nil
}

// ReadJSONLFile opens path and decodes it with ReadJSONL.
func ReadJSONLFile(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadJSONL(f)
}
