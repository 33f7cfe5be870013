package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"swap-engine/internal/auth"
	xerrors "swap-engine/internal/errors"
	"swap-engine/internal/history"
	"swap-engine/internal/metrics"
	"swap-engine/internal/orchestrator"
	"swap-engine/internal/swap"
	"swap-engine/pkg/logger"
)

// Engine 是 API 所需的编排器能力。
type Engine interface {
	State() orchestrator.State
	Dispatch(ctx context.Context, ev orchestrator.Event) error
	Subscribe() (<-chan orchestrator.State, func())
}

// HistoryReader 查询最近的兑换记录。
type HistoryReader interface {
	ListLatest(ctx context.Context, limit int) ([]history.Record, error)
}

// Option 定义可选配置。
type Option func(*Server)

// WithHistory 启用 /api/v1/swap/history。
func WithHistory(h HistoryReader) Option {
	return func(s *Server) {
		s.history = h
	}
}

// WithMetrics 启用 /metrics 并记录请求指标。
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAuth 为 /api/v1/swap 路由启用令牌认证：GET 需要读权限，POST 需要交易权限。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithDispatchTimeout 设置单个事件等待处理的最长时间。
func WithDispatchTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.dispatchTimeout = d
		}
	}
}

// Server 负责暴露 REST 接口，供外部驱动兑换编排器。
type Server struct {
	addr            string
	engine          Engine
	history         HistoryReader
	metrics         *metrics.Registry
	auth            *auth.Service
	dispatchTimeout time.Duration
	logger          *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, engine Engine, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		engine:          engine,
		dispatchTimeout: 10 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	protect := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {auth.PermissionRead},
			http.MethodPost: {auth.PermissionTrade},
			"*":             {auth.PermissionTrade},
		},
		AuditEvent: "swap_api",
	})
	mux := http.NewServeMux()
	mux.Handle("/api/v1/swap/state", s.instrument("state", protect(http.HandlerFunc(s.handleState))))
	mux.Handle("/api/v1/swap/events", s.instrument("events", protect(http.HandlerFunc(s.handleEvents))))
	mux.Handle("/api/v1/swap/stream", s.instrument("stream", protect(http.HandlerFunc(s.handleStream))))
	mux.Handle("/api/v1/swap/ws", s.instrument("ws", protect(http.HandlerFunc(s.handleWebSocket))))
	mux.Handle("/api/v1/swap/history", s.instrument("history", protect(http.HandlerFunc(s.handleHistory))))
	mux.Handle("/healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealth)))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.State())
}

type eventResponse struct {
	State orchestrator.State `json:"state"`
	Error *errorBody         `json:"error,omitempty"`
}

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	SubKind string       `json:"subKind,omitempty"`
	Message string       `json:"message"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req eventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	ev, err := req.toEvent(s.engine.State().Tokens)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, eventResponse{State: s.engine.State(), Error: toErrorBody(err)})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.dispatchTimeout)
	defer cancel()
	if err := s.engine.Dispatch(ctx, ev); err != nil {
		writeJSON(w, statusFor(err), eventResponse{State: s.engine.State(), Error: toErrorBody(err)})
		return
	}
	writeJSON(w, http.StatusAccepted, eventResponse{State: s.engine.State()})
}

// handleStream 以 server-sent events 推送状态快照。
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "不支持流式响应", http.StatusInternalServerError)
		return
	}

	updates, cancel := s.engine.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case state, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(state)
			if err != nil {
				s.logger.Error("序列化状态失败", slog.Any("error", err))
				return
			}
			if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		http.Error(w, "未启用兑换历史", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.history.ListLatest(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "idle"
	if s.engine != nil {
		status = s.engine.State().Status.String()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "swap": status})
}

func (s *Server) instrument(name string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		handler.ServeHTTP(rec, r)
		s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("响应不支持 Hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case swap.CodeUserInput, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case swap.CodeState:
		return http.StatusConflict
	case swap.CodeOnChain:
		return http.StatusUnprocessableEntity
	case swap.CodeNetwork, swap.CodeAllowance:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, orchestrator.ErrStopped) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func toErrorBody(err error) *errorBody {
	return &errorBody{
		Code:    xerrors.CodeOf(err),
		SubKind: xerrors.SubKindOf(err),
		Message: xerrors.MessageOf(err),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
