// Package server exposes the chat session and the API key layer over HTTP,
// and pushes session snapshots to web clients over WebSocket.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/lyzno1/llm-eduhub/internal/apikeys"
	"github.com/lyzno1/llm-eduhub/internal/chat"
	"github.com/lyzno1/llm-eduhub/internal/history"
	"github.com/lyzno1/llm-eduhub/internal/logger"
	"github.com/lyzno1/llm-eduhub/internal/task"
)

// Server wires the session store, the task runner and the API key store to
// the HTTP surface consumed by the web front end.
type Server struct {
	store   *chat.Store
	runner  *task.Runner
	keys    *apikeys.Store
	history *history.Store
}

// New creates a server. The history store may be nil.
func New(store *chat.Store, runner *task.Runner, keys *apikeys.Store, hist *history.Store) *Server {
	return &Server{store: store, runner: runner, keys: keys, history: hist}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/stop", s.handleStop)
	mux.HandleFunc("POST /chat/clear", s.handleClear)
	mux.HandleFunc("GET /chat/state", s.handleState)
	mux.HandleFunc("GET /chat/history/{conversation_id}", s.handleHistory)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /api-keys/default", s.handleDefaultKey)
	mux.HandleFunc("POST /api-keys", s.handleCreateKey)
	mux.HandleFunc("PATCH /api-keys/{id}", s.handleUpdateKey)
	mux.HandleFunc("DELETE /api-keys/{id}", s.handleDeleteKey)
	mux.HandleFunc("GET /api-keys/{id}/decrypted", s.handleDecryptedKey)
	mux.HandleFunc("POST /api-keys/{id}/usage", s.handleIncrementUsage)
	mux.HandleFunc("POST /api-keys/{id}/default", s.handleSetDefaultKey)

	return mux
}

type chatRequest struct {
	Text        string            `json:"text"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
	Stream      *bool             `json:"stream,omitempty"`
}

type chatResponse struct {
	TaskID  string        `json:"task_id,omitempty"`
	Message *chat.Message `json:"message,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	if s.store.IsProcessing() {
		http.Error(w, "a response is already in progress", http.StatusConflict)
		return
	}

	// Non-streaming turns answer within the request; streaming turns
	// outlive it, so they run on the background context and the client
	// follows along over /ws or /chat/state.
	if req.Stream != nil && !*req.Stream {
		msg, err := s.runner.Complete(r.Context(), req.Text, req.Attachments)
		if err != nil {
			http.Error(w, "generation failed", http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, chatResponse{Message: &msg})
		return
	}

	taskID := s.runner.Start(context.Background(), req.Text, req.Attachments)
	writeJSON(w, http.StatusAccepted, chatResponse{TaskID: taskID})
}

type stopRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TaskID == "" {
		req.TaskID = s.store.Snapshot().CurrentTaskID
	}
	if req.TaskID == "" || !s.runner.Stop(req.TaskID) {
		http.Error(w, "no such task", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.store.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history not configured", http.StatusNotFound)
		return
	}
	turns := s.history.List(r.PathValue("conversation_id"))
	if turns == nil {
		turns = []history.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

type createKeyRequest struct {
	ServiceInstanceID string `json:"service_instance_id"`
	KeyValue          string `json:"key_value"`
	IsDefault         bool   `json:"is_default"`
	IsEncrypted       bool   `json:"is_encrypted"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ServiceInstanceID == "" || req.KeyValue == "" {
		http.Error(w, "service_instance_id and key_value are required", http.StatusBadRequest)
		return
	}
	created := s.keys.Create(r.Context(), apikeys.Key{
		ServiceInstanceID: req.ServiceInstanceID,
		KeyValue:          req.KeyValue,
		IsDefault:         req.IsDefault,
	}, req.IsEncrypted)
	if created == nil {
		http.Error(w, "failed to create api key", http.StatusBadGateway)
		return
	}
	created.KeyValue = "" // never echo stored values
	writeJSON(w, http.StatusCreated, created)
}

type updateKeyRequest struct {
	ServiceInstanceID *string `json:"service_instance_id,omitempty"`
	KeyValue          *string `json:"key_value,omitempty"`
	IsDefault         *bool   `json:"is_default,omitempty"`
	IsEncrypted       bool    `json:"is_encrypted"`
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var req updateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ok := s.keys.UpdateKey(r.Context(), r.PathValue("id"), apikeys.Update{
		ServiceInstanceID: req.ServiceInstanceID,
		KeyValue:          req.KeyValue,
		IsDefault:         req.IsDefault,
	}, req.IsEncrypted)
	if !ok {
		http.Error(w, "api key not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if !s.keys.Delete(r.Context(), r.PathValue("id")) {
		http.Error(w, "api key not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDefaultKey(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("service_instance_id")
	if instanceID == "" {
		http.Error(w, "service_instance_id is required", http.StatusBadRequest)
		return
	}
	key := s.keys.GetDefaultForInstance(r.Context(), instanceID)
	if key == nil {
		http.Error(w, "no default key", http.StatusNotFound)
		return
	}
	key.KeyValue = ""
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleDecryptedKey(w http.ResponseWriter, r *http.Request) {
	key := s.keys.GetDecrypted(r.Context(), r.PathValue("id"))
	if key == nil {
		http.Error(w, "api key not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleIncrementUsage(w http.ResponseWriter, r *http.Request) {
	if !s.keys.IncrementUsage(r.Context(), r.PathValue("id")) {
		http.Error(w, "api key not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetDefaultKey(w http.ResponseWriter, r *http.Request) {
	if !s.keys.SetDefault(r.Context(), r.PathValue("id")) {
		http.Error(w, "api key not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("response encode error", "error", err)
	}
}
