package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/chatline/internal/agent"
	"github.com/haasonsaas/chatline/internal/cron"
	"github.com/haasonsaas/chatline/internal/sessions"
	"github.com/haasonsaas/chatline/pkg/models"
)

const maxBodyBytes = 1 << 20

type createConversationRequest struct {
	Title    string         `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type confirmRequest struct {
	ToolCallID string `json:"tool_call_id"`
	Approved   bool   `json:"approved"`
	DecidedBy  string `json:"decided_by,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv := &models.Conversation{Title: strings.TrimSpace(req.Title), Metadata: req.Metadata}
	if err := s.store.CreateConversation(r.Context(), conv); err != nil {
		s.logger.ErrorContext(r.Context(), "create conversation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	opts := sessions.ListOptions{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	convs, err := s.store.ListConversations(r.Context(), opts)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list conversations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	history, err := s.store.History(r.Context(), id, queryInt(r, "limit", 0))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if history == nil {
		history = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": history})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	msg := models.NewTextMessage(models.RoleUser, req.Text)
	chunks, err := s.runner.Run(r.Context(), r.PathValue("id"), msg)
	if err != nil {
		s.writeRunError(w, r, err)
		return
	}
	s.streamChunks(w, r, chunks)
}

// handleConfirm records a decision and resumes the turn in the same response.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ToolCallID) == "" {
		writeError(w, http.StatusBadRequest, "tool_call_id is required")
		return
	}

	id := r.PathValue("id")
	if err := s.runner.Confirm(r.Context(), id, req.ToolCallID, req.Approved, req.DecidedBy); err != nil {
		s.writeRunError(w, r, err)
		return
	}
	chunks, err := s.runner.Run(r.Context(), id, nil)
	if err != nil {
		s.writeRunError(w, r, err)
		return
	}
	s.streamChunks(w, r, chunks)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is disabled")
		return
	}
	id := r.PathValue("id")
	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), id)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list tasks failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*models.ScheduledTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is disabled")
		return
	}
	err := s.tasks.Cancel(r.Context(), r.PathValue("id"), r.PathValue("taskID"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, agent.ErrInvalidSchedule):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "cancel task failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
	}
}

func (s *Server) handleTaskExecutions(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is disabled")
		return
	}
	id, taskID := r.PathValue("id"), r.PathValue("taskID")
	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	execs, err := s.tasks.Executions(r.Context(), id, taskID, queryInt(r, "limit", 20))
	switch {
	case err == nil:
		if execs == nil {
			execs = []*cron.TaskExecution{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
	case errors.Is(err, agent.ErrInvalidSchedule):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "list task executions failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list task executions")
	}
}

// streamChunks writes each chunk as one NDJSON line and flushes it. The
// channel is drained even after the client goes away so the turn can finish.
func (s *Server) streamChunks(w http.ResponseWriter, r *http.Request, chunks <-chan *agent.ResponseChunk) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	broken := false
	for chunk := range chunks {
		if broken {
			continue
		}
		if err := enc.Encode(chunk); err != nil {
			s.logger.DebugContext(r.Context(), "stream write failed", "error", err)
			broken = true
			continue
		}
		_ = rc.Flush() //nolint:errcheck
	}
}

func (s *Server) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, agent.ErrNotAwaiting):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sessions.ErrLockTimeout):
		writeError(w, http.StatusConflict, "conversation is busy")
	case errors.Is(err, agent.ErrNoProvider):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "turn failed to start", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to run turn")
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, sessions.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	s.logger.ErrorContext(r.Context(), "conversation store failed", "error", err)
	writeError(w, http.StatusInternalServerError, "conversation store failed")
}

func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
