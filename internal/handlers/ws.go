// internal/handlers/ws.go
package handlers

import (
	"errors"
	"net/http"
	"time"

	"crop-diagnosis-back/internal/events"
	"crop-diagnosis-back/internal/models"
	"crop-diagnosis-back/internal/query"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait = 10 * time.Second
	// wsRefresh re-reads the record in case the hub dropped an event.
	wsRefresh = 5 * time.Second
)

func NewUpgrader(checkOrigin func(r *http.Request) bool) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
}

// MediaStream pushes status changes of one media record over a websocket,
// starting with its current state, and closes once it is terminal.
func MediaStream(q *query.Service, hub *events.Hub, upgrader websocket.Upgrader, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		ctx := c.Request.Context()

		// Subscribe first so a transition between the read and the
		// subscription is not lost.
		updates, unsubscribe := hub.Subscribe(id)
		defer unsubscribe()

		media, err := q.Media(ctx, id)
		if err != nil {
			respondQueryError(c, err)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug("websocket upgrade", zap.String("media_id", id), zap.Error(err))
			return
		}
		defer conn.Close()

		log = log.With(zap.String("media_id", id))
		last := models.MediaStatus("")
		send := func(ev events.StatusEvent) (done bool, err error) {
			if ev.Status.Stage() <= last.Stage() {
				return false, nil
			}
			last = ev.Status
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return true, err
			}
			return ev.Status.IsTerminal(), nil
		}

		if done, err := send(events.NewStatusEvent(media)); err != nil || done {
			closeStream(conn, err, log)
			return
		}

		// Reads only detect the client going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(wsRefresh)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-gone:
				return
			case ev, ok := <-updates:
				if !ok {
					return
				}
				if done, err := send(ev); err != nil || done {
					closeStream(conn, err, log)
					return
				}
			case <-ticker.C:
				current, err := q.Media(ctx, id)
				if err != nil {
					log.Warn("refresh media for stream", zap.Error(err))
					continue
				}
				if done, err := send(events.NewStatusEvent(current)); err != nil || done {
					closeStream(conn, err, log)
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

func closeStream(conn *websocket.Conn, err error, log *zap.Logger) {
	if err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			log.Debug("write status event", zap.Error(err))
		}
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminal")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
