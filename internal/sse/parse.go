// Package sse reads Server-Sent Events frames from an HTTP response body.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
)

// Event is one dispatched SSE frame.
type Event struct {
	Event string
	Data  []byte
	ID    string
	// Retry is the server-suggested reconnection delay in milliseconds, 0 if absent.
	Retry int
}

// ErrStop may be returned by the callback to end parsing without error.
var ErrStop = errors.New("sse: stop")

// MaxLineBytes bounds a single SSE line.
const MaxLineBytes = 4 << 20

// Parse reads frames from r and invokes fn for each dispatched event.
//
// Format rules:
//   - "event:", "data:", "id:", "retry:" fields; one optional space after the colon.
//   - Lines starting with ":" are comments.
//   - An empty line dispatches the event; multiple data lines join with "\n".
//   - A trailing event without a blank line is dispatched at EOF.
//
// Parse returns nil on clean EOF or ErrStop, ctx.Err() when cancelled, and
// the read or callback error otherwise.
func Parse(ctx context.Context, r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)

	var (
		cur     Event
		data    bytes.Buffer
		hasData bool
		lastID  string
	)
	dispatch := func() error {
		defer func() {
			cur = Event{}
			data.Reset()
			hasData = false
		}()
		if !hasData && cur.Event == "" {
			return nil
		}
		cur.Data = append([]byte(nil), data.Bytes()...)
		if cur.ID == "" {
			cur.ID = lastID
		}
		return fn(cur)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return err
			}
			if err := dispatch(); err != nil && !errors.Is(err, ErrStop) {
				return err
			}
			return nil
		}
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			if err := dispatch(); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			cur.Event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			cur.ID = value
			lastID = value
		case "retry":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				cur.Retry = n
			}
		default:
			// Unknown field: ignored.
		}
	}
}
