package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	log "github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/echoflow/gateway/pkg/byok"
	"github.com/echoflow/gateway/pkg/routing"
	"github.com/echoflow/gateway/pkg/store"
	"github.com/echoflow/gateway/pkg/stream"
)

const maxRequestBodyBytes = 1 << 20

type chatRequest struct {
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   int                            `json:"max_tokens,omitempty"`
	Stream      *bool                          `json:"stream,omitempty"`
	Action      string                         `json:"action,omitempty"`
}

type chatResponse struct {
	Content   string            `json:"content"`
	Metadata  stream.Metadata   `json:"metadata"`
	Model     string            `json:"model"`
	KeySource routing.KeySource `json:"key_source"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Request body must be valid JSON.")
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "At least one message is required.")
		return
	}

	result, err := s.router.Route(r.Context(), routing.Request{
		UserID:      userIDFrom(r.Context()),
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		ActionType:  req.Action,
	})
	if err != nil {
		writeRouteError(w, err)
		return
	}

	w.Header().Set("X-Model-Used", result.Model)
	w.Header().Set("X-Key-Source", string(result.KeySource))

	if req.Stream != nil && !*req.Stream {
		content, meta, err := stream.Collect(result.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadGateway, "upstream_error", "Upstream stream failed.")
			return
		}
		writeJSON(w, http.StatusOK, chatResponse{
			Content:   content,
			Metadata:  meta,
			Model:     result.Model,
			KeySource: result.KeySource,
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := stream.Relay(r.Context(), w, result.Body); err != nil {
		// The response is already underway; all we can do is log.
		log.Debug("stream relay ended early", "model", result.Model, "err", err)
	}
}

type keyRequest struct {
	APIKey string `json:"api_key"`
}

type keyResponse struct {
	Configured bool   `json:"configured"`
	Last4      string `json:"last4,omitempty"`
}

func (s *Server) handlePutKey(w http.ResponseWriter, r *http.Request) {
	if s.cipher == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "byok_unavailable", "Key storage is not configured on this deployment.")
		return
	}
	var req keyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Request body must be valid JSON.")
		return
	}
	apiKey := strings.TrimSpace(req.APIKey)
	if apiKey == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "api_key must not be empty.")
		return
	}

	encrypted, err := s.cipher.Encrypt(apiKey)
	if err != nil {
		log.Error("failed to encrypt user key", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "Unable to store key.")
		return
	}
	rec := store.UserKeyRecord{EncryptedKey: encrypted, Last4: byok.KeyLast4(apiKey)}
	if err := s.store.UpsertUserKey(r.Context(), userIDFrom(r.Context()), rec); err != nil {
		log.Error("failed to persist user key", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "Unable to store key.")
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Configured: true, Last4: rec.Last4})
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetUserKey(r.Context(), userIDFrom(r.Context()))
	if errors.Is(err, store.ErrNoUserKey) {
		writeJSON(w, http.StatusOK, keyResponse{Configured: false})
		return
	}
	if err != nil {
		log.Error("failed to read user key", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "Unable to read key state.")
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Configured: true, Last4: rec.Last4})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteUserKey(r.Context(), userIDFrom(r.Context())); err != nil {
		log.Error("failed to delete user key", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "Unable to delete key.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	return dec.Decode(dst)
}

type errorResponse struct {
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Details json.RawMessage `json:"details,omitempty"`
}

func writeRouteError(w http.ResponseWriter, err error) {
	var rerr *routing.RouteError
	if !errors.As(err, &rerr) {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "Unexpected routing failure.")
		return
	}
	writeJSON(w, rerr.Status, errorResponse{
		Error:   rerr.Message,
		Code:    string(rerr.Code),
		Details: rerr.Details,
	})
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug("failed to encode response", "err", err)
	}
}
