package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentVault/internal/audit"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/killswitch"
	"AgentVault/internal/observability/metrics"
	"AgentVault/internal/policy"
	"AgentVault/internal/session"
	"AgentVault/internal/txn"
	"AgentVault/internal/wallet"
	"AgentVault/pkg/logger"

	"github.com/google/uuid"
)

// Server 暴露托管执行服务的 REST 接口。
type Server struct {
	addr      string
	pipeline  *txn.Pipeline
	workflow  *txn.ApprovalWorkflow
	txs       txn.Store
	approvals txn.ApprovalStore
	policies  policy.Store
	wallets   wallet.Store
	sessions  *session.Service
	ks        *killswitch.Service
	auditor   audit.Recorder
}

// NewServer 构造 API 服务实例。
func NewServer(
	addr string,
	pipeline *txn.Pipeline,
	workflow *txn.ApprovalWorkflow,
	txs txn.Store,
	approvals txn.ApprovalStore,
	policies policy.Store,
	wallets wallet.Store,
	sessions *session.Service,
	ks *killswitch.Service,
	auditor audit.Recorder,
) *Server {
	return &Server{
		addr:      addr,
		pipeline:  pipeline,
		workflow:  workflow,
		txs:       txs,
		approvals: approvals,
		policies:  policies,
		wallets:   wallets,
		sessions:  sessions,
		ks:        ks,
		auditor:   auditor,
	}
}

// Handler 组装路由与中间件。紧急开关门禁包在最外层，
// 非 ACTIVE 状态下除豁免路径外一律 503。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/transactions", s.handleSubmitTransaction)
	mux.HandleFunc("GET /api/v1/transactions", s.handleListTransactions)
	mux.HandleFunc("GET /api/v1/transactions/stats", s.handleTransactionStats)
	mux.HandleFunc("GET /api/v1/transactions/{id}", s.handleGetTransaction)
	mux.HandleFunc("POST /api/v1/transactions/{id}/cancel", s.handleCancelTransaction)

	mux.HandleFunc("GET /api/v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/v1/approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/approvals/{id}/reject", s.handleReject)

	mux.HandleFunc("POST /api/v1/policies", s.handleCreatePolicy)
	mux.HandleFunc("GET /api/v1/policies", s.handleListPolicies)
	mux.HandleFunc("PATCH /api/v1/policies/{id}", s.handlePatchPolicy)
	mux.HandleFunc("DELETE /api/v1/policies/{id}", s.handleDeletePolicy)

	mux.HandleFunc("POST /api/v1/wallets", s.handleCreateWallet)
	mux.HandleFunc("GET /api/v1/wallets", s.handleListWallets)
	mux.HandleFunc("GET /api/v1/wallets/{id}", s.handleGetWallet)
	mux.HandleFunc("POST /api/v1/wallets/{id}/suspend", s.handleSuspendWallet)
	mux.HandleFunc("POST /api/v1/wallets/{id}/activate", s.handleActivateWallet)

	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleRevokeSession)

	mux.HandleFunc("GET /api/v1/killswitch", s.handleKillSwitchState)
	mux.HandleFunc("POST /api/v1/killswitch/activate", s.handleKillSwitchActivate)
	mux.HandleFunc("POST /api/v1/killswitch/escalate", s.handleKillSwitchEscalate)
	mux.HandleFunc("POST /api/v1/killswitch/recover", s.handleKillSwitchRecover)

	var handler http.Handler = mux
	handler = instrument(handler)
	if s.ks != nil {
		handler = s.ks.Gate(handler)
	}
	return handler
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- 交易 ---

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req txn.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	req.SessionToken = bearerToken(r)

	result, err := s.pipeline.Submit(r.Context(), req)
	if err != nil {
		// 走到终态的交易快照随错误一并返回。
		if result != nil && result.Tx != nil {
			writeJSON(w, statusOf(xerrors.CodeOf(err)), map[string]any{
				"transaction": result.Tx,
				"error":       errorBody(err),
			})
			return
		}
		writeError(w, err)
		return
	}
	if result.Parked {
		writeJSON(w, http.StatusAccepted, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.txs.List(r.Context(), r.URL.Query().Get("wallet_id"), limitParam(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleTransactionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.txs.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.txs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleCancelTransaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}
	if err := s.txs.Cancel(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		writeError(w, err)
		return
	}
	tx, err := s.txs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// --- 审批 ---

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.approvals.ListPending(r.Context(), limitParam(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Actor) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "审批人不能为空"))
		return
	}
	tx, err := s.workflow.Approve(r.Context(), r.PathValue("id"), body.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Actor) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "审批人不能为空"))
		return
	}
	tx, err := s.workflow.Reject(r.Context(), r.PathValue("id"), body.Actor, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

// --- 策略 ---

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.policies.Create(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &p)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	list, err := s.policies.List(r.Context(), r.URL.Query().Get("wallet_id"), limitParam(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": list})
}

func (s *Server) handlePatchPolicy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "仅支持修改 enabled 字段"))
		return
	}
	if err := s.policies.SetEnabled(r.Context(), r.PathValue("id"), *body.Enabled); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.policies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- 钱包 ---

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var body wallet.Wallet
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	if strings.TrimSpace(body.Name) == "" || strings.TrimSpace(body.Chain) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "钱包名称与链不能为空"))
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	if body.Status == "" {
		if body.Address != "" {
			body.Status = wallet.StatusActive
		} else {
			body.Status = wallet.StatusCreating
		}
	}
	if !wallet.IsValidStatus(body.Status) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "无效的钱包状态"))
		return
	}
	if err := s.wallets.Create(r.Context(), &body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &body)
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	list, err := s.wallets.List(r.Context(), limitParam(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": list})
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	got, err := s.wallets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleSuspendWallet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	err := s.wallets.Transition(r.Context(), r.PathValue("id"),
		wallet.StatusSuspended, body.Reason, wallet.StatusActive)
	if err != nil {
		writeError(w, err)
		return
	}
	got, err := s.wallets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleActivateWallet(w http.ResponseWriter, r *http.Request) {
	err := s.wallets.Transition(r.Context(), r.PathValue("id"),
		wallet.StatusActive, "", wallet.StatusCreating, wallet.StatusSuspended)
	if err != nil {
		writeError(w, err)
		return
	}
	got, err := s.wallets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// --- 会话 ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID    string   `json:"agent_id"`
		WalletIDs  []string `json:"wallet_ids"`
		TTLSeconds int64    `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	sess, err := s.sessions.Create(r.Context(), body.AgentID, body.WalletIDs,
		time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	// 令牌仅在创建响应中出现一次，之后不再可取回。
	writeJSON(w, http.StatusCreated, map[string]any{
		"session": sess,
		"token":   sess.Token,
	})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Revoke(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- 紧急开关 ---

func (s *Server) handleKillSwitchState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ks.State(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleKillSwitchActivate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Actor) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "操作者不能为空"))
		return
	}
	snap, err := s.ks.Activate(r.Context(), body.Actor, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleKillSwitchEscalate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Actor) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "操作者不能为空"))
		return
	}
	snap, err := s.ks.Escalate(r.Context(), body.Actor, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleKillSwitchRecover(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor string                    `json:"actor"`
		Proof *killswitch.RecoveryProof `json:"proof"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Actor) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "操作者不能为空"))
		return
	}
	snap, err := s.ks.Recover(r.Context(), body.Actor, body.Proof)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- 辅助 ---

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func limitParam(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.L().Error("写入响应失败", "error", err)
	}
}

func errorBody(err error) map[string]string {
	return map[string]string{
		"code":    string(xerrors.CodeOf(err)),
		"message": xerrors.MessageOf(err),
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(xerrors.CodeOf(err)), map[string]any{"error": errorBody(err)})
}

// statusOf 把统一错误码映射到 HTTP 状态码。
func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeInvalidSignature:
		return http.StatusUnauthorized
	case xerrors.CodeAccessDenied, xerrors.CodePolicyDenied:
		return http.StatusForbidden
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict,
		killswitch.CodeInvalidTransition,
		killswitch.CodeNotActive:
		return http.StatusConflict
	case xerrors.CodeServiceLocked:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		if strings.HasSuffix(string(code), "_NOT_FOUND") {
			return http.StatusNotFound
		}
		if strings.HasSuffix(string(code), "_CONFLICT") ||
			strings.HasSuffix(string(code), "_RESOLVED") ||
			strings.HasSuffix(string(code), "_TERMINAL") {
			return http.StatusConflict
		}
		if strings.HasPrefix(string(code), "SESSION_") ||
			strings.HasSuffix(string(code), "_NOT_GRANTED") {
			return http.StatusUnauthorized
		}
		return http.StatusInternalServerError
	}
}

// statusRecorder 捕获响应状态码供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为每个请求记录计数与时延指标。
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(handlerLabel(r.URL.Path), r.Method, rec.status, time.Since(start))
	})
}

// handlerLabel 把具体路径折叠成低基数的指标标签。
func handlerLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "api" {
		return "/api/" + parts[1] + "/" + parts[2]
	}
	return path
}
