package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/colabvibe/previewd/internal/session"
)

// attachRateLimit is the maximum input messages per second per attached
// viewer; bursts up to attachRateBurst (paste operations) are allowed.
const (
	attachRateLimit = 200
	attachRateBurst = 200
)

// maxInputMessage bounds one input frame.
const maxInputMessage = 64 * 1024

// Terminal dimensions are clamped rather than rejected: a garbage resize
// from a broken client should not kill the attachment.
const (
	maxCols = 1000
	maxRows = 500
)

// statusNotFound is the close code for attaching to an unknown session or
// deployment.
const statusNotFound websocket.StatusCode = 4404

func clampCols(c uint16) uint16 {
	if c > maxCols {
		return maxCols
	}
	return c
}

func clampRows(r uint16) uint16 {
	if r > maxRows {
		return maxRows
	}
	return r
}

type attachControlMsg struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// AttachSession streams a session over WebSocket: buffered history first,
// then live output as binary frames. Input arrives as binary frames or as
// text JSON control messages ({"type":"input"|"resize"}). Disconnecting the
// socket detaches the viewer only; the session keeps running.
func (a *API) AttachSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[api] accept attach websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1024 * 1024)

	ctx := r.Context()

	stream, sub, err := a.Sessions.Attach(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			conn.Close(statusNotFound, "Session not found")
			return
		}
		log.Printf("[api] attach session %s: %v", id, err)
		conn.Close(websocket.StatusInternalError, "Attach failed")
		return
	}

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Broker -> viewer. Ends on the stream's terminal event or when the
	// viewer goes away.
	closeReason := make(chan string, 1)
	go func() {
		defer relayCancel()
		for ev := range sub.C {
			if ev.Closed {
				closeReason <- ev.Reason
				return
			}
			if ev.Missed {
				notice, _ := json.Marshal(map[string]string{"type": "missed"})
				if err := conn.Write(relayCtx, websocket.MessageText, notice); err != nil {
					return
				}
			}
			if len(ev.Data) == 0 {
				continue
			}
			if err := conn.Write(relayCtx, websocket.MessageBinary, ev.Data); err != nil {
				return
			}
		}
	}()

	limiter := newTokenBucket(attachRateBurst, attachRateLimit)

	// Viewer -> session input.
	for {
		msgType, data, err := conn.Read(relayCtx)
		if err != nil {
			break
		}
		if !limiter.allow() {
			continue
		}

		switch msgType {
		case websocket.MessageBinary:
			if len(data) > maxInputMessage {
				log.Printf("[api] session %s: input frame too large (%d bytes)", id, len(data))
				continue
			}
			if err := a.Sessions.SendInput(relayCtx, id, data); err != nil {
				relayCancel()
			}
		case websocket.MessageText:
			var msg attachControlMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "input":
				if len(msg.Data) > maxInputMessage {
					continue
				}
				if err := a.Sessions.SendInput(relayCtx, id, []byte(msg.Data)); err != nil {
					relayCancel()
				}
			case "resize":
				if msg.Cols == 0 || msg.Rows == 0 {
					continue
				}
				a.Sessions.Resize(relayCtx, id, clampCols(msg.Cols), clampRows(msg.Rows))
			}
		}
	}

	// The viewer is done reading; detach from the broker. If the stream
	// ended first, relay its reason in the close frame.
	stream.Unsubscribe(sub)
	select {
	case reason := <-closeReason:
		conn.Close(websocket.StatusNormalClosure, reason)
	default:
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// tokenBucket rate-limits input frames per attached viewer.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
