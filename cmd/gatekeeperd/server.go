package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cmdgate/approval"
	"cmdgate/gatekeeper"
)

// server implements the reference transport: JSON-over-HTTP for issuing
// commands and resolving approvals, plus a WebSocket event stream.
type server struct {
	orch     *gatekeeper.Orchestrator
	approval *approval.Manager
	hub      *eventHub
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func newServer(orch *gatekeeper.Orchestrator, approvalMgr *approval.Manager, hub *eventHub, log zerolog.Logger) *server {
	return &server{
		orch:     orch,
		approval: approvalMgr,
		hub:      hub,
		log:      log,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/commands", s.handleCommand)
	mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /v1/approvals/{id}/resolve", s.handleResolveApproval)
	mux.HandleFunc("GET /v1/events", s.handleEventStream)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req gatekeeper.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// A caller that omits sessionKey gets one minted here, so the
	// exec.denied/exec.finished events it triggers are still groupable.
	if req.SessionKey == "" {
		req.SessionKey = uuid.NewString()
	}

	reply := s.orch.Handle(r.Context(), req)

	w.Header().Set("Content-Type", "application/json")
	if !reply.OK {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	json.NewEncoder(w).Encode(reply) //nolint:errcheck
}

type approvalView struct {
	ID          string `json:"id"`
	CommandText string `json:"commandText"`
	Host        string `json:"host"`
	Cwd         string `json:"cwd"`
	AgentID     string `json:"agentId"`
	SessionKey  string `json:"sessionKey"`
	CreatedAtMs int64  `json:"createdAtMs"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

func (s *server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	pending := s.approval.ListPending()
	views := make([]approvalView, 0, len(pending))
	for _, p := range pending {
		views = append(views, approvalView{
			ID:          p.ID,
			CommandText: p.Request.CommandText,
			Host:        p.Request.Host,
			Cwd:         p.Request.Cwd,
			AgentID:     p.Request.AgentID,
			SessionKey:  p.Request.SessionKey,
			CreatedAtMs: p.CreatedAtMs,
			ExpiresAtMs: p.ExpiresAtMs,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views) //nolint:errcheck
}

type resolveRequest struct {
	Decision   string   `json:"decision"`
	ResolvedBy string   `json:"resolvedBy"`
	Scopes     []string `json:"scopes"`
}

func (s *server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.approval.Resolve(id, approval.Decision(body.Decision), body.ResolvedBy, body.Scopes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
