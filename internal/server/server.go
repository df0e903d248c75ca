// Package server exposes the control plane over HTTP: a JSON API, an
// SSE fleet stream, and a WebSocket push channel.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/agentmux/agentmux/internal/assign"
	"github.com/agentmux/agentmux/internal/budget"
	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/fleet"
	"github.com/agentmux/agentmux/internal/kernel"
	"github.com/agentmux/agentmux/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the main HTTP server
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *Hub

	kernel    *kernel.Kernel
	assigner  *assign.Assigner
	meter     *budget.Meter
	publisher *fleet.Publisher
	bus       *bus.Bus

	startTime time.Time
}

// NewServer wires the HTTP surface over the control plane. The hub is
// created by the caller so it can double as the kernel's context-status
// broadcaster.
func NewServer(hub *Hub, k *kernel.Kernel, a *assign.Assigner, m *budget.Meter, p *fleet.Publisher, eventBus *bus.Bus) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		hub:       hub,
		kernel:    k,
		assigner:  a,
		meter:     m,
		publisher: p,
		bus:       eventBus,
		startTime: time.Now(),
	}
	s.routes()

	// Every bus event is mirrored to connected dashboards
	eventBus.SubscribeAll("ws-hub", func(ev types.Event) error {
		s.hub.BroadcastEvent(ev)
		return nil
	})
	return s
}

// Hub exposes the WebSocket hub, which also serves as the context
// monitor's status broadcaster.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/fleet", s.handleGetFleet).Methods("GET")
	api.HandleFunc("/sessions", s.handleGetSessions).Methods("GET")
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions/{name}", s.handleDestroySession).Methods("DELETE")
	api.HandleFunc("/sessions/{name}/assign", s.handleAssignNext).Methods("POST")
	api.HandleFunc("/tasks/{id}/complete", s.handleCompleteTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/fail", s.handleFailTask).Methods("POST")
	api.HandleFunc("/usage", s.handleRecordUsage).Methods("POST")
	api.HandleFunc("/usage/{scopeId}", s.handleGetUsage).Methods("GET")
	api.HandleFunc("/report", s.handleReport).Methods("GET")
	api.HandleFunc("/budget/{scopeId}", s.handleGetBudget).Methods("GET")

	s.router.HandleFunc("/events/fleet", s.handleFleetStream).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start runs the hub loop and serves until shutdown
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own lifetime
	}
	log.Printf("[SERVER] Listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.bus.Unsubscribe("ws-hub")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).String(),
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleGetFleet(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.kernel.GetFleetSnapshot()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, snapshot)
}

func (s *Server) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, s.kernel.Sessions())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionName string            `json:"sessionName"`
		AgentID     string            `json:"agentId"`
		Role        string            `json:"role"`
		TeamID      string            `json:"teamId"`
		MemberID    string            `json:"memberId"`
		ProjectPath string            `json:"projectPath"`
		RuntimeKind types.RuntimeKind `json:"runtimeKind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		req.AgentID = uuid.New().String()
	}
	if req.RuntimeKind == "" {
		req.RuntimeKind = types.RuntimeClaudeCode
	}

	err := s.kernel.StartAgentSession(kernel.SessionSpec{
		SessionName: req.SessionName,
		AgentID:     req.AgentID,
		Role:        req.Role,
		TeamID:      req.TeamID,
		MemberID:    req.MemberID,
		ProjectPath: req.ProjectPath,
		RuntimeKind: req.RuntimeKind,
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.assigner != nil && req.ProjectPath != "" {
		s.assigner.RegisterAgent(req.SessionName, req.AgentID, req.Role, req.ProjectPath)
	}
	s.respondJSON(w, map[string]any{"success": true, "sessionName": req.SessionName})
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.kernel.DestroySession(name); err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.assigner != nil {
		s.assigner.UnregisterAgent(name)
	}
	s.respondJSON(w, map[string]any{"success": true})
}

func (s *Server) handleAssignNext(w http.ResponseWriter, r *http.Request) {
	if s.assigner == nil {
		s.respondError(w, http.StatusServiceUnavailable, "assignment disabled")
		return
	}
	name := mux.Vars(r)["name"]
	assignment, reason := s.assigner.AssignNextTask(name)
	if assignment == nil {
		s.respondJSON(w, map[string]any{"assigned": false, "reason": string(reason)})
		return
	}
	s.respondJSON(w, map[string]any{"assigned": true, "assignment": assignment})
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	if s.assigner == nil {
		s.respondError(w, http.StatusServiceUnavailable, "assignment disabled")
		return
	}
	s.assigner.CompleteTask(mux.Vars(r)["id"])
	s.respondJSON(w, map[string]any{"success": true})
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	if s.assigner == nil {
		s.respondError(w, http.StatusServiceUnavailable, "assignment disabled")
		return
	}
	var req struct {
		SessionName string `json:"sessionName"`
		Reason      string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	s.assigner.MarkTaskFailed(mux.Vars(r)["id"], req.SessionName, req.Reason)
	s.respondJSON(w, map[string]any{"success": true})
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var record types.UsageRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid usage record")
		return
	}
	if err := s.kernel.RecordUsage(record); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, map[string]any{"success": true})
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	if s.meter == nil {
		s.respondError(w, http.StatusServiceUnavailable, "budget metering disabled")
		return
	}
	period := budget.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = budget.PeriodDay
	}
	summary, err := s.meter.GetUsage(mux.Vars(r)["scopeId"], period)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, summary)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.meter == nil {
		s.respondError(w, http.StatusServiceUnavailable, "budget metering disabled")
		return
	}
	q := r.URL.Query()
	period := budget.Period(q.Get("period"))
	if period == "" {
		period = budget.PeriodDay
	}
	report, err := s.meter.GenerateReport(budget.ReportRequest{
		Period:      period,
		ProjectPath: q.Get("projectPath"),
		AgentID:     q.Get("agentId"),
	})
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, report)
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	if s.meter == nil {
		s.respondError(w, http.StatusServiceUnavailable, "budget metering disabled")
		return
	}
	s.respondJSON(w, s.meter.GetBudget(mux.Vars(r)["scopeId"]))
}

// handleFleetStream serves the SSE fleet feed. The subscription lives
// until the client disconnects.
func (s *Server) handleFleetStream(w http.ResponseWriter, r *http.Request) {
	sink, err := fleet.NewSSESink(w)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	id := uuid.New().String()
	s.publisher.Subscribe(id, sink)
	defer s.publisher.Unsubscribe(id)

	<-r.Context().Done()
}

// handleWebSocket upgrades to WebSocket and manages the connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, WebSocketBufferSize),
	}
	s.hub.Register(client)

	// Push the current fleet view immediately
	if snapshot, err := s.kernel.GetFleetSnapshot(); err == nil {
		if data, err := json.Marshal(WSMessage{Type: WSTypeFleet, Data: snapshot}); err == nil {
			client.send <- data
		}
	}

	go client.readPump()
	go client.writePump()
}

func (s *Server) respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[SERVER] Failed to encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error": %q}`+"\n", message)
}
