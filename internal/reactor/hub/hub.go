package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"asyncdb/internal/agent"
	"asyncdb/internal/exporter"
)

var ErrAgentNotConnected = errors.New("agent is not connected")

type DashboardUpdate struct {
	Type       string `json:"type"` // "job_start", "progress", "job_complete", "agent_update"
	JobID      string `json:"job_id,omitempty"`
	Rows       int64  `json:"rows,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	AgentCount int    `json:"agent_count,omitempty"`
}

// RemoteJob is a command dispatched to an agent whose rows have not
// arrived yet.
type RemoteJob struct {
	ID        string
	Agent     string
	Format    exporter.Format
	Key       string
	Submitted time.Time
}

type agentConn struct {
	conn *websocket.Conn
	// writeMu serialises writes; gorilla connections allow one writer at a time.
	writeMu sync.Mutex
}

type Hub struct {
	dashboards map[*websocket.Conn]bool
	agents     map[string]*agentConn
	jobs       map[string]*RemoteJob
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		dashboards: make(map[*websocket.Conn]bool),
		agents:     make(map[string]*agentConn),
		jobs:       make(map[string]*RemoteJob),
	}
}

func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dashboards[conn] = true
	slog.Info("Dashboard connected", "total_connections", len(h.dashboards))
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.dashboards[conn]; ok {
		delete(h.dashboards, conn)
		conn.Close()
		slog.Info("Dashboard disconnected", "total_connections", len(h.dashboards))
	}
}

func (h *Hub) DashboardCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.dashboards)
}

func (h *Hub) Broadcast(update DashboardUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	payload, _ := json.Marshal(update)
	for conn := range h.dashboards {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			slog.Error("Dashboard broadcast failed", "error", err)
			conn.Close()
			delete(h.dashboards, conn)
		}
	}
}

// AddAgent records the control connection of an agent. A reconnecting
// agent replaces its previous connection.
func (h *Hub) AddAgent(key string, conn *websocket.Conn) {
	h.mu.Lock()
	if old, ok := h.agents[key]; ok {
		old.conn.Close()
	}
	h.agents[key] = &agentConn{conn: conn}
	count := len(h.agents)
	h.mu.Unlock()

	h.Broadcast(DashboardUpdate{Type: "agent_update", AgentCount: count})
}

// RemoveAgent forgets conn if it is still the agent's current connection.
func (h *Hub) RemoveAgent(key string, conn *websocket.Conn) {
	h.mu.Lock()
	if cur, ok := h.agents[key]; ok && cur.conn == conn {
		delete(h.agents, key)
	}
	count := len(h.agents)
	h.mu.Unlock()

	h.Broadcast(DashboardUpdate{Type: "agent_update", AgentCount: count})
}

func (h *Hub) AgentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.agents)
}

// Dispatch sends cmd to the agent named by job.Agent and keeps job until
// the agent opens its data stream.
func (h *Hub) Dispatch(job *RemoteJob, cmd *agent.JobCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	h.mu.Lock()
	ac, ok := h.agents[job.Agent]
	if ok {
		h.jobs[job.ID] = job
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotConnected, job.Agent)
	}

	ac.writeMu.Lock()
	err = ac.conn.WriteMessage(websocket.TextMessage, payload)
	ac.writeMu.Unlock()
	if err != nil {
		h.TakeJob(job.ID)
		return fmt.Errorf("failed to send job: %w", err)
	}

	slog.Info("Dispatched job", "id", job.ID, "agent", job.Agent)
	h.Broadcast(DashboardUpdate{Type: "job_start", JobID: job.ID, Status: "dispatched"})
	return nil
}

// TakeJob removes and returns a dispatched job.
func (h *Hub) TakeJob(id string) (*RemoteJob, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	job, ok := h.jobs[id]
	delete(h.jobs, id)
	return job, ok
}
