// Package telemetry streams RuntimeState/InjectionDiagnostic snapshots
// to websocket clients, generalized from the teacher's
// internal/server broadcast pattern: a per-client buffered send
// channel, drop-if-slow broadcast, and a ticker-driven poll loop.
package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oecu/goefi-core/internal/corelog"
	"github.com/oecu/goefi-core/internal/seqlock"
	"github.com/oecu/goefi-core/internal/types"
)

// Server broadcasts runtime-state and injection-diagnostic snapshots
// over websocket, independent of the planner/executor hot path — it
// only ever reads the published seqlock cells.
type Server struct {
	listenAddr string
	runtime    *seqlock.Cell[types.RuntimeState]
	diag       *seqlock.Cell[types.InjectionDiagnostic]
	pollHz     int

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader
	log       *corelog.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to every connected client.
type Frame struct {
	Runtime    *types.RuntimeState        `json:"runtime,omitempty"`
	Diagnostic *types.InjectionDiagnostic `json:"diagnostic,omitempty"`
	Stamp      int64                      `json:"stamp"`
}

// New constructs a Server. pollHz defaults to 20 if <= 0.
func New(listenAddr string, runtime *seqlock.Cell[types.RuntimeState], diag *seqlock.Cell[types.InjectionDiagnostic], pollHz int) *Server {
	if pollHz <= 0 {
		pollHz = 20
	}
	return &Server{
		listenAddr: listenAddr,
		runtime:    runtime,
		diag:       diag,
		pollHz:     pollHz,
		clients:    make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: corelog.New(nil, "telemetry"),
	}
}

// Run starts the HTTP server and poll loop, blocking until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{Addr: s.listenAddr, Handler: mux}

	go s.pollLoop(ctx)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Printf("listening on %s", s.listenAddr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("upgrade error: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			s.clientsMu.Unlock()
			close(client.send)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(s.pollHz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt := s.runtime.Read()
			diag := s.diag.Read()
			s.broadcast(Frame{Runtime: &rt, Diagnostic: &diag, Stamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// client too slow, drop this frame for it
		}
	}
}
