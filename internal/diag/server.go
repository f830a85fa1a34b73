// Package diag implements a local read-only diagnostics endpoint that
// streams GatewayStats/ForwarderStatus snapshots over a WebSocket, for
// operator visibility. It is not part of the Semtech wire protocol; it
// exists purely for local monitoring.
package diag

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agsys/lora-gateway/internal/gwtype"
)

// StatusFunc returns the current gateway and forwarder state.
type StatusFunc func() (gwtype.GatewayStats, gwtype.ForwarderStatus)

type snapshot struct {
	Stats  gwtype.GatewayStats    `json:"stats"`
	Status gwtype.ForwarderStatus `json:"forwarder_status"`
}

// Server serves one WebSocket endpoint ("/ws") that pushes a snapshot
// once per second to every connected client.
type Server struct {
	upgrader websocket.Upgrader
	status   StatusFunc
	log      *log.Logger

	httpSrv *http.Server
}

// NewServer constructs the diagnostics server. addr is the listen
// address, e.g. ":8081".
func NewServer(addr string, status StatusFunc, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		status: status,
		log:    logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins serving in the background. It does not block.
func (s *Server) Start() {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Printf("[diag] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("[diag] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		stats, status := s.status()
		body, err := json.Marshal(snapshot{Stats: stats, Status: status})
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Printf("[diag] client closed unexpectedly: %v", err)
			}
			return
		}
	}
}
