package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/coder/websocket"

	"github.com/colabvibe/previewd/internal/deploy"
	"github.com/colabvibe/previewd/internal/logutil"
	"github.com/colabvibe/previewd/internal/runtime"
)

// DeploymentLogs streams the team's container output over WebSocket: recent
// history first, then live tailing as binary frames. The socket is
// output-only; client frames are ignored.
func (a *API) DeploymentLogs(w http.ResponseWriter, r *http.Request) {
	teamID, ok := pathTeam(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[api] accept logs websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	stream, sub, err := a.Deploys.Logs(ctx, teamID)
	if err != nil {
		switch {
		case errors.Is(err, deploy.ErrNotFound):
			conn.Close(statusNotFound, "No running deployment")
		case errors.Is(err, runtime.ErrUnavailable):
			conn.Close(websocket.StatusInternalError, "Container runtime unavailable")
		default:
			log.Printf("[api] logs for %s: %v", logutil.SanitizeForLog(teamID), err)
			conn.Close(websocket.StatusInternalError, "Log stream failed")
		}
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

	// Drain client frames only to notice the viewer disconnecting.
	for {
		if _, _, err := conn.Read(relayCtx); err != nil {
			break
		}
	}

	stream.Unsubscribe(sub)
	select {
	case reason := <-closeReason:
		conn.Close(websocket.StatusNormalClosure, reason)
	default:
		conn.Close(websocket.StatusNormalClosure, "")
	}
}
