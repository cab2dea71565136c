package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// handleTaskWS upgrades GET /ws/task/{id} and streams incremental
// stdout/stderr for a running task, closing with a done frame once the
// task reaches a terminal status.
func (s *Server) handleTaskWS(w http.ResponseWriter, r *http.Request) {
	taskID, rest := shiftPath(strings.TrimPrefix(r.URL.Path, "/ws/task/"))
	if taskID == "" || rest != "" {
		s.jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	if _, ok := s.tasks.Get(taskID); !ok {
		s.jsonError(w, "Task not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "task_id", taskID, "error", err)
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.WSConnected("task")
		defer s.metrics.WSDisconnected("task")
	}

	ctx, cancel := context.WithCancel(s.runCtx)
	defer cancel()

	// The read side exists only to notice the client hanging up.
	go func() {
		defer cancel()
		conn.SetReadLimit(wsMaxPayloadBytes)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.streamTask(ctx, conn, taskID)
}

// streamTask polls the registry for output beyond the positions already
// sent and forwards the deltas as stdout/stderr frames.
func (s *Server) streamTask(ctx context.Context, conn *websocket.Conn, taskID string) {
	write := func(frame map[string]any) bool {
		data, err := json.Marshal(frame)
		if err != nil {
			return false
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
		return conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	poll := time.NewTicker(s.taskPoll)
	defer poll.Stop()
	ping := time.NewTicker(wsTickInterval)
	defer ping.Stop()

	var outPos, errPos int
	for {
		stdout, stderr, task, ok := s.tasks.Delta(taskID, outPos, errPos)
		if !ok {
			return
		}
		if stdout != "" {
			if !write(map[string]any{"type": "stdout", "data": stdout}) {
				return
			}
			outPos += len(stdout)
		}
		if stderr != "" {
			if !write(map[string]any{"type": "stderr", "data": stderr}) {
				return
			}
			errPos += len(stderr)
		}
		if task.Status.Terminal() {
			write(map[string]any{
				"type":        "done",
				"status":      task.Status,
				"return_code": task.ReturnCode,
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
