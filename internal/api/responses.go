package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"hybridrag/internal/domain/rag"
	applog "hybridrag/internal/platform/log"
)

// APIResponse 统一 JSON 响应
type APIResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	writeResponse(w, status, &APIResponse{
		Code:    status,
		Message: "ok",
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeResponse(w, status, &APIResponse{
		Code:    status,
		Message: message,
	})
}

// writeErrorCode 带错误码的统一错误响应
func writeErrorCode(w http.ResponseWriter, status int, code string, message string) {
	writeResponse(w, status, &APIResponse{
		Code:    status,
		Error:   code,
		Message: message,
	})
}

// writeDomainError 按错误类型映射 HTTP 状态码
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		applog.FromContext(r.Context()).Error("[API] Request failed", "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, rag.ErrProcessingTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, rag.ErrPersistence):
		return http.StatusServiceUnavailable
	case errors.Is(err, rag.ErrEmbeddingProvider), errors.Is(err, rag.ErrGeneration):
		return http.StatusBadGateway
	case errors.Is(err, rag.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, rag.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, rag.ErrEmptyDocument),
		errors.Is(err, rag.ErrUnsupportedType),
		errors.Is(err, rag.ErrEmptyQuery),
		errors.Is(err, rag.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, rag.ErrPartialCommit), errors.Is(err, rag.ErrInvalidChunks):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeResponse(w http.ResponseWriter, status int, resp *APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		applog.Warn("[API] Failed to write response", "error", err)
	}
}
