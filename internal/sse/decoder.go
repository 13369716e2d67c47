// Package sse implements an incremental Server-Sent-Events decoder.
//
// The decoder is feed-driven: raw bytes read from an HTTP body are pushed in
// arbitrary chunks and fully decoded records are returned as soon as their
// terminating blank line has been seen.
package sse

import (
	"bytes"
	"strings"
)

// DefaultEventName is used for records without an "event:" field.
const DefaultEventName = "message"

// heartbeat is the payload bridges send to keep idle streams open.
const heartbeat = "heartbeat"

// Event is one decoded SSE record.
type Event struct {
	// Event is the record type ("message" unless overridden).
	Event string
	// Data is the payload, multiple data lines joined by "\n".
	Data string
	// ID is the last "id:" value of the record, empty when absent.
	ID string
}

// IsHeartbeat reports whether the record is a bridge keep-alive.
func IsHeartbeat(e Event) bool {
	return e.Data == heartbeat || e.Event == heartbeat
}

// Decoder turns a byte stream into Event records. It is not safe for
// concurrent use; each stream owns its own decoder.
type Decoder struct {
	buf []byte

	event   string
	id      string
	data    []string
	hasData bool
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the internal buffer and returns every record that is
// now complete.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)
	return d.drain(false)
}

// Flush terminates the stream: a trailing partial line is processed as if it
// were newline-terminated and a pending record is emitted.
func (d *Decoder) Flush() []Event {
	events := d.drain(true)
	if len(d.buf) > 0 {
		d.processLine(string(d.buf), &events)
		d.buf = d.buf[:0]
	}
	if e, ok := d.dispatch(); ok {
		events = append(events, e)
	}
	return events
}

// Reset discards buffered input and any partially accumulated record.
func (d *Decoder) Reset() {
	d.buf = nil
	d.resetRecord()
}

func (d *Decoder) drain(final bool) []Event {
	data := d.buf

	// A trailing CR may be the first half of a CRLF split across chunks.
	holdCR := !final && len(data) > 0 && data[len(data)-1] == '\r'
	if holdCR {
		data = data[:len(data)-1]
	}
	data = normalize(data)

	var events []Event
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		d.processLine(string(data[:i]), &events)
		data = data[i+1:]
	}

	rest := make([]byte, 0, len(data)+1)
	rest = append(rest, data...)
	if holdCR {
		rest = append(rest, '\r')
	}
	d.buf = rest
	return events
}

func normalize(b []byte) []byte {
	if bytes.IndexByte(b, '\r') < 0 {
		return b
	}
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(b, []byte("\r"), []byte("\n"))
}

func (d *Decoder) processLine(line string, events *[]Event) {
	if line == "" {
		if e, ok := d.dispatch(); ok {
			*events = append(*events, e)
		}
		return
	}
	if strings.HasPrefix(line, ":") {
		return
	}

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	switch field {
	case "event":
		d.event = value
	case "data":
		d.data = append(d.data, value)
		d.hasData = true
	case "id":
		d.id = value
	}
}

func (d *Decoder) dispatch() (Event, bool) {
	defer d.resetRecord()
	if !d.hasData {
		return Event{}, false
	}
	name := d.event
	if name == "" {
		name = DefaultEventName
	}
	return Event{
		Event: name,
		Data:  strings.Join(d.data, "\n"),
		ID:    d.id,
	}, true
}

func (d *Decoder) resetRecord() {
	d.event = ""
	d.id = ""
	d.data = nil
	d.hasData = false
}
