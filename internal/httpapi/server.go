// Package httpapi is the management surface: sync-config CRUD,
// connection testing, on-demand sync triggering and the run-event
// stream. The sync algorithm itself lives in internal/syncer; every
// handler here is a thin wrapper around the store and the engine.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/quietpage/notesync/internal/notes"
	"github.com/quietpage/notesync/internal/syncer"
)

const maxBodyBytes = 1 << 20

type ConfigStore interface {
	ListSyncConfigs(ctx context.Context) ([]notes.SyncConfig, error)
	GetSyncConfig(ctx context.Context, id string) (notes.SyncConfig, error)
	CreateSyncConfig(ctx context.Context, config notes.SyncConfig) (notes.SyncConfig, error)
	UpdateSyncConfig(ctx context.Context, config notes.SyncConfig) (notes.SyncConfig, error)
	DeleteSyncConfig(ctx context.Context, id string) error
}

type SyncService interface {
	PerformSync(ctx context.Context, configID string) (*syncer.RunReport, error)
	TestConnection(ctx context.Context, configID string) error
	Events() *syncer.Bus
}

type Server struct {
	store  ConfigStore
	syncs  SyncService
	log    *zap.SugaredLogger
	router *mux.Router
}

func NewServer(store ConfigStore, syncs SyncService, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{store: store, syncs: syncs, log: log}
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/v1/sync-configs", s.handleListConfigs).Methods(http.MethodGet)
	router.HandleFunc("/v1/sync-configs", s.handleCreateConfig).Methods(http.MethodPost)
	router.HandleFunc("/v1/sync-configs/{id}", s.handleGetConfig).Methods(http.MethodGet)
	router.HandleFunc("/v1/sync-configs/{id}", s.handleUpdateConfig).Methods(http.MethodPut)
	router.HandleFunc("/v1/sync-configs/{id}", s.handleDeleteConfig).Methods(http.MethodDelete)
	router.HandleFunc("/v1/sync-configs/{id}/test-connection", s.handleTestConnection).Methods(http.MethodPost)
	router.HandleFunc("/v1/sync-configs/{id}/sync", s.handleTriggerSync).Methods(http.MethodPost)
	router.HandleFunc("/v1/sync/events", s.handleEvents).Methods(http.MethodGet)
	s.router = router
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListSyncConfigs(r.Context())
	if err != nil {
		s.serverError(w, "list sync configs", err)
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

// syncConfigRequest is the write-side body for config create/update.
// The stored SyncConfig never serializes its password, so request
// bodies need their own shape where the password field is readable.
// A nil Password on update means "keep the stored one".
type syncConfigRequest struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Backend  string  `json:"backend"`
	URL      string  `json:"url"`
	Username string  `json:"username"`
	Password *string `json:"password"`
	BasePath string  `json:"basePath"`
	IsActive bool    `json:"isActive"`
}

func (req syncConfigRequest) toSyncConfig() notes.SyncConfig {
	config := notes.SyncConfig{
		ID:       req.ID,
		Name:     req.Name,
		Backend:  req.Backend,
		URL:      req.URL,
		Username: req.Username,
		BasePath: req.BasePath,
		IsActive: req.IsActive,
	}
	if req.Password != nil {
		config.Password = *req.Password
	}
	return config
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	var req syncConfigRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	created, err := s.store.CreateSyncConfig(r.Context(), req.toSyncConfig())
	if err != nil {
		s.storeError(w, "create sync config", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	config, err := s.store.GetSyncConfig(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.storeError(w, "get sync config", err)
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req syncConfigRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	config := req.toSyncConfig()
	config.ID = mux.Vars(r)["id"]
	if req.Password == nil {
		existing, err := s.store.GetSyncConfig(r.Context(), config.ID)
		if err != nil {
			s.storeError(w, "update sync config", err)
			return
		}
		config.Password = existing.Password
	}
	updated, err := s.store.UpdateSyncConfig(r.Context(), config)
	if err != nil {
		s.storeError(w, "update sync config", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSyncConfig(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.storeError(w, "delete sync config", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.syncs.TestConnection(r.Context(), id); err != nil {
		if errors.Is(err, notes.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		// A failed probe is a result, not a server error.
		writeJSON(w, http.StatusOK, statusResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: "connection ok"})
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	report, err := s.syncs.PerformSync(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, syncer.ErrBusy):
			writeError(w, http.StatusConflict, "a sync run is already in progress")
		case errors.Is(err, notes.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			s.log.Errorw("triggered sync failed", "configId", id, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{Success: true, Message: "sync completed", Report: report})
}

// handleEvents upgrades to a websocket and relays run events until the
// client goes away. A subscriber that cannot keep up misses events
// rather than slowing the engine down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.syncs.Events().Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() {
		_, _ = io.Copy(io.Discard, body)
	}()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, notes.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, notes.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.serverError(w, op, err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.log.Errorw(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type triggerResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Report  *syncer.RunReport `json:"report,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, statusResponse{Success: false, Message: message})
}
