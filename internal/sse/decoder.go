package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/bitop-dev/modelexec/plugin"
)

// Decoder reads Server-Sent Events and yields each event's name and joined
// "data:" payload.
type Decoder struct {
	r     *bufio.Reader
	buf   bytes.Buffer
	event string
	err   error
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next advances to the next event. It returns false on EOF or error.
func (d *Decoder) Next() bool {
	if d.err != nil {
		return false
	}
	d.buf.Reset()
	d.event = ""

	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				line = strings.TrimRight(line, "\r\n")
				if line != "" {
					d.field(line)
				}
				d.err = io.EOF
				return d.buf.Len() > 0
			}
			d.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			// event boundary
			return true
		}
		d.field(line)
	}
}

func (d *Decoder) field(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	name, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch name {
	case "event":
		d.event = value
	case "data":
		if d.buf.Len() > 0 {
			d.buf.WriteByte('\n')
		}
		d.buf.WriteString(value)
	}
}

func (d *Decoder) Data() []byte {
	if d == nil {
		return nil
	}
	return d.buf.Bytes()
}

// Event returns the "event:" field of the current event, if any.
func (d *Decoder) Event() string {
	if d == nil {
		return ""
	}
	return d.event
}

func (d *Decoder) Err() error {
	if d == nil {
		return nil
	}
	if d.err == io.EOF {
		return nil
	}
	return d.err
}

// Stream adapts a response body to plugin.RawStream, skipping events without
// data.
type Stream struct {
	body io.ReadCloser
	dec  *Decoder
	cur  plugin.RawEvent
}

func NewStream(body io.ReadCloser) *Stream {
	return &Stream{body: body, dec: NewDecoder(body)}
}

func (s *Stream) Next() bool {
	for s.dec.Next() {
		data := bytes.TrimSpace(s.dec.Data())
		if len(data) == 0 {
			continue
		}
		s.cur = plugin.RawEvent{Name: s.dec.Event(), Data: append([]byte(nil), data...)}
		return true
	}
	return false
}

func (s *Stream) Event() plugin.RawEvent { return s.cur }

func (s *Stream) Err() error {
	if err := s.dec.Err(); err != nil {
		return fmt.Errorf("sse decode: %w", err)
	}
	return nil
}

func (s *Stream) Close() error {
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}

var _ plugin.RawStream = (*Stream)(nil)
