// Package sse decodes text/event-stream bodies into frames.
//
// Decode is stateless: the caller keeps the residual partial record between
// calls. Decoder wraps that bookkeeping for callers reading a body in chunks.
package sse

import (
	"strconv"
	"strings"
	"time"
)

// Frame is one parsed event record.
type Frame struct {
	ID    string
	Event string
	Data  string
	Retry time.Duration // Advisory reconnect delay; zero when absent.
}

// Decode appends chunk to leftover, parses every complete record, and returns
// the parsed frames plus the trailing partial record. Records without a data
// field are dropped. Decode never fails: lines it cannot interpret are skipped.
func Decode(chunk []byte, leftover string) ([]Frame, string) {
	buf := leftover + string(chunk)
	// A trailing CR may be the first half of a CRLF split across chunks.
	held := ""
	if strings.HasSuffix(buf, "\r") {
		buf, held = buf[:len(buf)-1], "\r"
	}
	buf = strings.ReplaceAll(buf, "\r\n", "\n")
	buf = strings.ReplaceAll(buf, "\r", "\n")

	var frames []Frame
	for {
		end := strings.Index(buf, "\n\n")
		if end < 0 {
			return frames, buf + held
		}
		record := buf[:end]
		buf = buf[end+2:]

		if f, ok := parseRecord(record); ok {
			frames = append(frames, f)
		}
	}
}

// parseRecord parses the lines of a single record.
func parseRecord(record string) (Frame, bool) {
	var (
		f       Frame
		data    []string
		hasData bool
	)
	for _, line := range strings.Split(record, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			// A bare field name carries an empty value.
			value = ""
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			f.Event = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				f.ID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				f.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if !hasData {
		return Frame{}, false
	}
	f.Data = strings.Join(data, "\n")
	return f, true
}

// Decoder carries the residual buffer across Feed calls.
type Decoder struct {
	leftover string
}

// Feed decodes the next chunk of a body.
func (d *Decoder) Feed(chunk []byte) []Frame {
	var frames []Frame
	frames, d.leftover = Decode(chunk, d.leftover)
	return frames
}

// Flush parses whatever remains once the body has ended. Backends often omit
// the blank line after the final record.
func (d *Decoder) Flush() []Frame {
	rest := strings.TrimRight(d.leftover, "\r\n")
	d.leftover = ""
	if rest == "" {
		return nil
	}
	frames, _ := Decode([]byte(rest+"\n\n"), "")
	return frames
}

// Pending returns the undecoded residual.
func (d *Decoder) Pending() string {
	return d.leftover
}
