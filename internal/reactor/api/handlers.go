package api

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"asyncdb/internal/agent"
	"asyncdb/internal/exporter"
	"asyncdb/internal/reactor/hub"
	"asyncdb/internal/reactor/store"
	"asyncdb/internal/security"
	"asyncdb/internal/storage"
)

const (
	progressEvery = 1000
	maxBodySize   = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Handler struct {
	Hub     *hub.Hub
	Storage storage.Provider
	// Secret verifies agent tokens and dispatch requests and signs job commands.
	Secret string
	// Accounts enables the /auth and /keys endpoints and API-key dispatch.
	// Without it dispatch requests must be HMAC-signed.
	Accounts *store.Store
}

func NewHandler(h *hub.Hub, provider storage.Provider, secret string) *Handler {
	return &Handler{
		Hub:     h,
		Storage: provider,
		Secret:  secret,
	}
}

// Routes registers every reactor endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/agent/control", h.HandleControl)
	mux.HandleFunc("/agent/data", h.HandleData)
	mux.HandleFunc("/dashboard/stream", h.HandleDashboard)
	mux.HandleFunc("/jobs", h.HandleDispatch)
	if h.Accounts != nil {
		mux.HandleFunc("/auth/register", h.HandleRegister)
		mux.HandleFunc("/auth/verify", h.HandleVerify)
		mux.HandleFunc("/keys", h.HandleKeys)
	}
}

// authenticateAgent returns the agent key named by the bearer token.
func (h *Handler) authenticateAgent(r *http.Request) (string, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", security.ErrInvalidToken
	}
	return security.VerifyAgentToken(h.Secret, token)
}

// authorizeDispatch accepts an API key from the account store or, failing
// that, an HMAC over method, path and body. It returns who made the request.
func (h *Handler) authorizeDispatch(r *http.Request, body []byte) (string, error) {
	if raw := r.Header.Get("X-API-Key"); raw != "" && h.Accounts != nil {
		key, err := h.Accounts.VerifyAPIKey(r.Context(), raw)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("user:%d/key:%d", key.UserID, key.ID), nil
	}
	err := security.VerifyHMAC(h.Secret, r.Header.Get("X-Timestamp"), r.Header.Get("X-Signature"), r.Method, r.URL.Path, string(body))
	return "hmac", err
}

// --- Auth Handlers ---

type AuthRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AuthRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	id, err := h.Accounts.CreateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		slog.Error("Register failed", "error", err)
		http.Error(w, "Email already exists or DB error", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"id": id, "message": "User created"})
}

func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AuthRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	user, err := h.Accounts.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

// --- API Key Handlers ---

type CreateKeyRequest struct {
	Type string `json:"type"` // "live" or "test"
}

// HandleKeys lists (GET) or creates (POST) API keys for the user named by
// the request's basic auth credentials.
func (h *Handler) HandleKeys(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="reactor"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	user, err := h.Accounts.AuthenticateUser(r.Context(), email, password)
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		keys, err := h.Accounts.ListAPIKeys(r.Context(), user.ID)
		if err != nil {
			slog.Error("List keys failed", "error", err)
			http.Error(w, "Failed to list keys", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(keys)

	case http.MethodPost:
		var req CreateKeyRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
		key, err := h.Accounts.CreateAPIKey(r.Context(), user.ID, req.Type)
		if errors.Is(err, store.ErrInvalidKeyType) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			slog.Error("Create key failed", "error", err)
			http.Error(w, "Failed to create key", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"key": key, "type": req.Type})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- Dispatch Handler ---

type DispatchRequest struct {
	Agent  string         `json:"agent"`
	Query  string         `json:"query"`
	Args   []any          `json:"args,omitempty"`
	Named  map[string]any `json:"named,omitempty"`
	Format string         `json:"format"`
}

type DispatchResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
	URL string `json:"url"`
}

// HandleDispatch signs a query as a job command and pushes it to a
// connected agent. The request must carry either an X-API-Key issued by the
// account store, or X-Timestamp and X-Signature headers holding an HMAC over
// method, path and body.
func (h *Handler) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	caller, err := h.authorizeDispatch(r, body)
	if err != nil {
		slog.Warn("Dispatch rejected", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req DispatchRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Agent == "" || req.Query == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	format, err := exporter.ParseFormat(req.Format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cmd := &agent.JobCommand{
		ID:    uuid.New().String(),
		Query: req.Query,
		Args:  req.Args,
		Named: req.Named,
	}
	if err := cmd.Sign(h.Secret, time.Now()); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	job := &hub.RemoteJob{
		ID:        cmd.ID,
		Agent:     req.Agent,
		Format:    format,
		Key:       fmt.Sprintf("exports/%s.%s", cmd.ID, format.Extension()),
		Submitted: time.Now(),
	}

	if err := h.Hub.Dispatch(job, cmd); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, hub.ErrAgentNotConnected) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	slog.Info("Job dispatched", "job_id", job.ID, "agent", job.Agent, "caller", caller)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(DispatchResponse{
		ID:  job.ID,
		Key: job.Key,
		URL: h.Storage.GetDownloadURL(job.Key),
	})
}

// --- Dashboard Handler ---

func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Dashboard upgrade failed", "error", err)
		return
	}

	h.Hub.Register(conn)

	for {
		if _, _, err := conn.NextReader(); err != nil {
			h.Hub.Unregister(conn)
			break
		}
	}
}

// --- Agent Handlers ---

func (h *Handler) HandleControl(w http.ResponseWriter, r *http.Request) {
	agentKey, err := h.authenticateAgent(r)
	if err != nil {
		slog.Warn("Invalid agent token", "error", err)
		http.Error(w, "Invalid agent token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	slog.Info("Agent connected (control)", "agent", agentKey)
	h.Hub.AddAgent(agentKey, conn)
	defer h.Hub.RemoveAgent(agentKey, conn)

	for {
		if _, _, err := conn.NextReader(); err != nil {
			slog.Info("Agent disconnected (control)", "agent", agentKey)
			break
		}
	}
}

func (h *Handler) HandleData(w http.ResponseWriter, r *http.Request) {
	agentKey, err := h.authenticateAgent(r)
	if err != nil {
		http.Error(w, "Invalid agent token", http.StatusUnauthorized)
		return
	}

	jobID := r.URL.Query().Get("job_id")
	job, ok := h.Hub.TakeJob(jobID)
	if !ok || job.Agent != agentKey {
		http.Error(w, "Unknown job", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	slog.Info("Agent connected (data stream)", "job_id", jobID)

	rows, err := h.receive(conn, job)
	update := hub.DashboardUpdate{Type: "job_complete", JobID: jobID, Rows: rows, Status: "completed"}
	if err != nil {
		slog.Error("Data stream failed", "job_id", jobID, "rows", rows, "error", err)
		update.Status, update.Error = "failed", err.Error()
	} else {
		slog.Info("Data stream complete", "job_id", jobID, "total_rows", rows, "key", job.Key)
	}
	h.Hub.Broadcast(update)
}

// receive decodes the agent's gob stream into the job's export file. A
// stream that does not end in a normal close discards the file.
func (h *Handler) receive(conn *websocket.Conn, job *hub.RemoteJob) (int64, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, done := h.Storage.StreamToFile(ctx, job.Key)
	if out == nil {
		return 0, <-done
	}
	enc, err := exporter.NewEncoder(job.Format, out)
	if err != nil {
		cancel()
		out.Close()
		<-done
		return 0, err
	}

	rows, recvErr := h.decodeRows(conn, job.ID, enc)
	if recvErr == nil {
		recvErr = enc.Flush()
	}
	if recvErr != nil {
		cancel()
	}
	closeErr := enc.Close()
	storeErr := out.Close()
	uploadErr := <-done

	if recvErr != nil {
		return rows, recvErr
	}
	return rows, errors.Join(closeErr, storeErr, uploadErr)
}

func (h *Handler) decodeRows(conn *websocket.Conn, jobID string, enc exporter.RowEncoder) (int64, error) {
	dec := gob.NewDecoder(&WSReader{Conn: conn})

	var columns []string
	if err := dec.Decode(&columns); err != nil {
		return 0, streamError(err)
	}
	if err := enc.WriteHeader(columns); err != nil {
		return 0, err
	}

	var rowCount int64
	for {
		var values []any
		if err := dec.Decode(&values); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return rowCount, nil
			}
			return rowCount, streamError(err)
		}
		if err := enc.WriteRow(values); err != nil {
			return rowCount, err
		}
		rowCount++

		if rowCount%progressEvery == 0 {
			h.Hub.Broadcast(hub.DashboardUpdate{Type: "progress", JobID: jobID, Rows: rowCount})
		}
	}
}

func streamError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure {
			return errors.New("agent closed the stream before sending columns")
		}
		return fmt.Errorf("agent reported failure: %s", ce.Text)
	}
	return fmt.Errorf("stream decode failed: %w", err)
}

// WSReader presents consecutive websocket messages as one byte stream.
type WSReader struct {
	Conn   *websocket.Conn
	reader io.Reader
}

func (r *WSReader) Read(p []byte) (n int, err error) {
	for {
		if r.reader == nil {
			_, reader, err := r.Conn.NextReader()
			if err != nil {
				return 0, err
			}
			r.reader = reader
		}

		n, err = r.reader.Read(p)
		if err == io.EOF {
			r.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}
