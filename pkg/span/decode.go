package span

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// UnmarshalJSON accepts both "Start"/"End" and 0/1.
func (l *Lifetime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		switch strings.ToLower(s) {
		case "start":
			*l = Start
		case "end":
			*l = End
		default:
			return fmt.Errorf("unknown span lifetime %q", s)
		}
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("span lifetime must be a string or a number: %w", err)
	}
	if n != int(Start) && n != int(End) {
		return fmt.Errorf("unknown span lifetime %d", n)
	}
	*l = Lifetime(n)
	return nil
}

func (l Lifetime) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// ErrMalformedEvent marks a line that is not a valid span event. Decoding can
// continue with the next line.
var ErrMalformedEvent = errors.New("malformed span event")

// Decoder reads span events encoded as JSON lines.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: sc}
}

// Next returns the next event, io.EOF when the input is exhausted. Blank lines
// are skipped.
func (d *Decoder) Next() (*Span, error) {
	for d.scanner.Scan() {
		d.line++
		raw := strings.TrimSpace(d.scanner.Text())
		if raw == "" {
			continue
		}
		var s Span
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("line %d: %w: %w", d.line, ErrMalformedEvent, err)
		}
		return &s, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
