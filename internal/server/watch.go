package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// watchJob streams the job as JSON whenever it changes, until it is finished or the client goes away.
func (s *Server) watchJob(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	// Fail before upgrading so unknown jobs get a plain 404
	j, err := s.engine.Jobs.Get(ctx, id)
	if err != nil {
		s.abort(c, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnf("Failed to upgrade watch of job %s - %v", id, err)
		return
	}
	defer ws.Close()
	log := s.log.WithField("job-id", id)

	// Reading is required to notice closed connections
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.WatchInterval)
	defer ticker.Stop()

	var lastUpdate time.Time
	for {
		if !j.Updated.Equal(lastUpdate) {
			lastUpdate = j.Updated
			if err := ws.WriteJSON(j); err != nil {
				log.Debugf("Stopped watching job - %v", err)
				return
			}
		}
		if j.Status.Terminal() {
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(j.Status)))
			return
		}

		select {
		case <-gone:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if j, err = s.engine.Jobs.Get(ctx, id); err != nil {
			log.Warnf("Failed to reload watched job - %v", err)
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "failed to load job"))
			return
		}
	}
}
