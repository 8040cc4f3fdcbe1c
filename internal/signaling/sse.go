package signaling

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one server-sent event. Only the fields the camera needs are
// kept; "id" and "retry" are ignored.
type sseEvent struct {
	Type string
	Data string
}

// sseReader splits a text/event-stream body into events. Events end at a
// blank line, multiple data lines are joined with "\n", and comment lines
// starting with ':' are skipped.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// next returns the next event that carries data. It returns io.EOF when the
// stream ends cleanly between events, and io.ErrUnexpectedEOF when it ends in
// the middle of one.
func (s *sseReader) next() (sseEvent, error) {
	var (
		data      []string
		eventType string
		partial   bool
	)

	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if line != "" || partial {
					return sseEvent{}, io.ErrUnexpectedEOF
				}
				return sseEvent{}, io.EOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) > 0 {
				return sseEvent{Type: eventType, Data: strings.Join(data, "\n")}, nil
			}
			eventType, partial = "", false
			continue
		}
		partial = true

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			data = append(data, value)
		case "event":
			eventType = value
		}
	}
}
