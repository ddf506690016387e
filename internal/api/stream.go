package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"gitlab.com/distributed_lab/logan/v3"

	"atomic-pek/internal/domain"
	"atomic-pek/internal/storage"
	"atomic-pek/internal/swap"
)

const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleStream sends the swap's snapshot, then a fresh snapshot whenever the
// swap changes, and closes once the swap is terminal.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := s.log.WithField("swap_id", id)

	// Existence is checked before the upgrade so unknown ids get a plain 404.
	if _, err := s.svc.Status(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, msgSwapNotFound)
			return
		}
		log.WithError(err).Error("failed to load swap")
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var updates <-chan domain.TransitionEvent
	if s.hub != nil {
		sub := s.hub.Subscribe(id)
		defer sub.Close()
		updates = sub.C
	}

	// The client never sends anything; reading surfaces its close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.streamRefresh)
	defer ticker.Stop()

	var last time.Time
	send := func() (done bool) {
		snap, err := s.svc.Status(r.Context(), id)
		if err != nil {
			log.WithError(err).Warn("failed to refresh swap for stream")
			return false
		}
		if !snap.UpdatedAt.After(last) && !last.IsZero() {
			return false
		}
		last = snap.UpdatedAt
		if err := writeSnapshot(conn, snap); err != nil {
			log.WithError(err).Debug("stream write failed")
			return true
		}
		if snap.Terminal() {
			closeStream(conn, log)
			return true
		}
		return false
	}

	if send() {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case _, ok := <-updates:
			if !ok {
				return
			}
			if send() {
				return
			}
		case <-ticker.C:
			if send() {
				return
			}
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snap swap.Snapshot) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(snap)
}

func closeStream(conn *websocket.Conn, log *logan.Entry) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "swap finished")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteTimeout)); err != nil {
		log.WithError(err).Debug("failed to send close frame")
	}
}
