package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"hybridrag/internal/domain/rag"

	"github.com/go-chi/chi/v5"
)

// DocumentHandler 文档上传与管理 API
type DocumentHandler struct {
	svc Service
}

// NewDocumentHandler 创建文档处理器
func NewDocumentHandler(svc Service) *DocumentHandler {
	return &DocumentHandler{svc: svc}
}

// RegisterRoutes 注册文档路由
func (h *DocumentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/documents", func(r chi.Router) {
		r.Post("/", h.Upload)
		r.Get("/", h.List)
		r.Get("/{fingerprint}", h.Get)
		r.Delete("/{fingerprint}", h.Delete)
	})
}

// Upload 上传文档：multipart/form-data 的 file 字段，或原始 body + ?name=
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	limit := h.svc.MaxFileBytes()

	data, name, err := readUpload(w, r, limit)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds limit (%dMB)", limit>>20))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := h.svc.IngestDocument(r.Context(), data, name)
	if err != nil {
		if outcome != nil && outcome.Kind == rag.OutcomeFailed {
			writeResponse(w, failedStatus(err), &APIResponse{
				Code:    failedStatus(err),
				Message: err.Error(),
				Data:    outcome,
			})
			return
		}
		writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if outcome.Kind == rag.OutcomeNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, outcome)
}

// failedStatus 处理失败的文档：上游故障保留原状态码，其余为 422
func failedStatus(err error) int {
	switch s := errorStatus(err); s {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadRequest:
		return s
	default:
		return http.StatusUnprocessableEntity
	}
}

func readUpload(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, string, error) {
	// multipart 头部额外留 1MB
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, "", unwrapMaxBytes(err, "failed to parse multipart form")
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", errors.New("file field is required")
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, limit+1))
		if err != nil {
			return nil, "", fmt.Errorf("failed to read file: %w", err)
		}
		if int64(len(data)) > limit {
			return nil, "", &http.MaxBytesError{Limit: limit}
		}
		name := r.FormValue("name")
		if name == "" {
			name = header.Filename
		}
		return data, name, nil
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		return nil, "", errors.New("name query parameter is required for raw uploads")
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", unwrapMaxBytes(err, "failed to read body")
	}
	if int64(len(data)) > limit {
		return nil, "", &http.MaxBytesError{Limit: limit}
	}
	return data, name, nil
}

func unwrapMaxBytes(err error, msg string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return tooLarge
	}
	return errors.New(msg)
}

// List 列出全部文档
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.ListDocuments(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents":       docs,
		"total":           len(docs),
		"supported_types": h.svc.SupportedTypes(),
	})
}

// Get 按指纹查询
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.GetDocument(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Delete 删除文档，触发缓存失效
func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	if err := h.svc.RemoveDocument(r.Context(), fp); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "fingerprint": fp})
}
