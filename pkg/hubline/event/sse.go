package event

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Frame is one server-sent event as seen on the wire.
type Frame struct {
	ID    string
	Event string
	Data  string
	Retry time.Duration
}

// WriteFrame writes a single SSE frame. Multi-line data is split across
// several data: lines so the receiver reassembles it with newlines.
func WriteFrame(w io.Writer, f Frame) error {
	var buf bytes.Buffer

	if f.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", f.ID)
	}
	if f.Event != "" {
		fmt.Fprintf(&buf, "event: %s\n", f.Event)
	}
	if f.Retry > 0 {
		fmt.Fprintf(&buf, "retry: %d\n", f.Retry.Milliseconds())
	}
	for _, line := range strings.Split(f.Data, "\n") {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteByte('\n')

	_, err := w.Write(buf.Bytes())
	return err
}

// WriteComment writes an SSE comment line, used for heartbeats.
func WriteComment(w io.Writer, comment string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", comment)
	return err
}

// FrameReader decodes SSE frames from a stream.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r. The reader accepts LF and CRLF line endings.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next frame that carries data or an event ID. A frame with
// only an ID still moves the last event ID forward. Comment-only and empty
// frames are skipped. It returns io.EOF when the stream ends cleanly between frames
// and io.ErrUnexpectedEOF when it ends in the middle of one.
func (fr *FrameReader) Next() (Frame, error) {
	var (
		frame   Frame
		data    []string
		hasData bool
		partial bool
	)

	for {
		line, err := fr.r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if partial || line != "" {
					return Frame{}, io.ErrUnexpectedEOF
				}
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData || frame.ID != "" {
				frame.Data = strings.Join(data, "\n")
				return frame, nil
			}
			frame, data, partial = Frame{}, nil, false
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		partial = true
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			frame.ID = value
		case "event":
			frame.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				frame.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}
