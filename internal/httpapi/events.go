package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/doncat99/alwrity/internal/tasks"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleTaskEventsWS streams a task's progress and terminal events over a
// websocket. The already-accumulated progress log is replayed first so a
// late subscriber sees the same monotonic sequence a poller would.
func (s *Server) handleTaskEventsWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before snapshotting: progress appended between the two is
	// then both in the snapshot and on the channel, and the replay cursor
	// below drops the duplicate by sequence. The other order loses events.
	events, unsubscribe := s.manager.Subscribe(id)
	snap, err := s.store.Get(id)
	if err != nil {
		unsubscribe()
		respondError(w, http.StatusNotFound, "task not found: "+id)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	defer unsubscribe()

	// Drain the client side so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	writeEvent := func(evt tasks.Event) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(evt); err != nil {
			return false
		}
		return true
	}

	replayed := len(snap.Progress)
	for i, entry := range snap.Progress {
		evt := tasks.Event{
			Type:    tasks.EventProgress,
			TaskID:  id,
			Status:  snap.Status,
			Seq:     i + 1,
			Message: entry.Message,
			At:      entry.Timestamp,
		}
		if !writeEvent(evt) {
			return
		}
	}
	if snap.Terminal() {
		writeEvent(terminalEvent(snap))
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				// The task record was evicted; nothing more will arrive.
				return
			}
			if evt.Type == tasks.EventProgress && evt.Seq <= replayed {
				// Already delivered from the snapshot replay.
				continue
			}
			if !writeEvent(evt) {
				return
			}
			if evt.Type != tasks.EventProgress {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func terminalEvent(snap tasks.Task) tasks.Event {
	evt := tasks.Event{
		TaskID: snap.ID,
		Status: snap.Status,
		At:     time.Now().UTC(),
	}
	if snap.EndedAt != nil {
		evt.At = *snap.EndedAt
	}
	if snap.Status == tasks.StatusCompleted {
		evt.Type = tasks.EventCompleted
		evt.Result = snap.Result
	} else {
		evt.Type = tasks.EventFailed
		evt.Error = snap.Error
	}
	return evt
}
