package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"tradesim-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	msgs, cancel := s.Bus.Subscribe(100, events.EventTradeSettled, events.EventBalanceUpdated)
	defer cancel()

	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return
			}
			if err := conn.WriteJSON(m); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}
