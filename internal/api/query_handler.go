package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// QueryHandler 问答与缓存观测 API
type QueryHandler struct {
	svc Service
}

// NewQueryHandler 创建问答处理器
func NewQueryHandler(svc Service) *QueryHandler {
	return &QueryHandler{svc: svc}
}

// RegisterRoutes 注册问答路由
func (h *QueryHandler) RegisterRoutes(r chi.Router) {
	r.Post("/query", h.Query)
	r.Get("/cache/stats", h.Stats)
}

type queryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

// Query 问答：精确缓存 -> 语义缓存 -> 检索生成
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TopK < 0 || req.TopK > 50 {
		writeError(w, http.StatusBadRequest, "top_k must be between 1 and 50")
		return
	}

	res, err := h.svc.AnswerQuery(r.Context(), req.Query, req.TopK, req.Mode)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Stats 缓存统计
func (h *QueryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.CacheStats())
}
