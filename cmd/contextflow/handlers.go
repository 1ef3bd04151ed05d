package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/contextflow/rag"
	"github.com/BaSui01/contextflow/types"
)

// maxRequestBody 请求体大小上限,防止超大文档拖垮进程。
const maxRequestBody = 16 << 20 // 16 MB

// apiHandler 汇集所有 HTTP 端点的处理逻辑。
type apiHandler struct {
	engine  *rag.Engine
	logger  *zap.Logger
	started time.Time
}

func newAPIHandler(engine *rag.Engine, logger *zap.Logger) *apiHandler {
	return &apiHandler{
		engine:  engine,
		logger:  logger.With(zap.String("component", "api")),
		started: time.Now(),
	}
}

// ====== 健康与版本 ======

func (h *apiHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).String(),
	})
}

// handleReady 就绪检查:引擎已创建即就绪,索引可以为空。
func (h *apiHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}
	stats := h.engine.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"indexed_chunks": stats.IndexedChunks,
		"generation":     stats.Generation,
	})
}

func (h *apiHandler) handleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

// ====== 检索 API ======

// indexRequest 索引请求:给原始文本走分块器,或直接给已分块的文档。
type indexRequest struct {
	Text       string                `json:"text,omitempty"`
	SourceFile string                `json:"source_file,omitempty"`
	Chunks     []types.DocumentChunk `json:"chunks,omitempty"`
}

func (h *apiHandler) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, types.NewError(types.ErrInternal, "method not allowed").WithHTTPStatus(http.StatusMethodNotAllowed))
		return
	}

	var req indexRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, types.NewConfigurationError("invalid request body: "+err.Error()))
		return
	}

	var err error
	switch {
	case len(req.Chunks) > 0:
		err = h.engine.IndexDocuments(r.Context(), req.Chunks)
	case req.Text != "":
		err = h.engine.IndexText(r.Context(), req.Text, req.SourceFile)
	default:
		err = types.NewEmptyDocumentError()
	}
	if err != nil {
		writeError(w, err)
		return
	}

	stats := h.engine.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"indexed_chunks": stats.IndexedChunks,
		"generation":     stats.Generation,
	})
}

// retrieveRequest 检索请求
type retrieveRequest struct {
	Query   string         `json:"query"`
	TopK    int            `json:"top_k,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
}

func (h *apiHandler) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, types.NewError(types.ErrInternal, "method not allowed").WithHTTPStatus(http.StatusMethodNotAllowed))
		return
	}

	var req retrieveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, types.NewConfigurationError("invalid request body: "+err.Error()))
		return
	}

	results, err := h.engine.Retrieve(r.Context(), req.Query, req.TopK, req.Filters)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

// contextRequest 上下文组装请求:查询加组装参数。
type contextRequest struct {
	Query string `json:"query"`
	rag.ContextOptions
}

func (h *apiHandler) handleContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, types.NewError(types.ErrInternal, "method not allowed").WithHTTPStatus(http.StatusMethodNotAllowed))
		return
	}

	var req contextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, types.NewConfigurationError("invalid request body: "+err.Error()))
		return
	}

	result, err := h.engine.BuildContext(r.Context(), req.Query, req.ContextOptions)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *apiHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

// ====== JSON 辅助 ======

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 把结构化错误映射为 HTTP 响应,未知错误按 500 处理。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := types.ErrInternal
	message := err.Error()

	var e *types.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
		if e.HTTPStatus != 0 {
			status = e.HTTPStatus
		}
	}

	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
