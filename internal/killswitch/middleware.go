package killswitch

import (
	"encoding/json"
	"net/http"
	"strings"

	xerrors "AgentVault/internal/errors"
	"AgentVault/pkg/logger"
)

// exemptPaths 不受开关门禁限制：健康检查、指标与开关自身的管理接口，
// 否则触发后就没人能恢复了。
var exemptPaths = []string{
	"/healthz",
	"/metrics",
	"/api/v1/killswitch",
}

// Gate 返回 HTTP 中间件：开关处于非 ACTIVE 状态时拒绝所有非豁免请求。
func (s *Service) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		snap, err := s.State(r.Context())
		if err != nil {
			logger.L().Error("读取紧急开关状态失败", "error", err)
			writeLocked(w, "无法确认服务状态")
			return
		}
		if snap.State != StateActive {
			writeLocked(w, "服务已被紧急开关冻结，当前状态 "+string(snap.State))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func exempt(path string) bool {
	for _, prefix := range exemptPaths {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func writeLocked(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    string(xerrors.CodeServiceLocked),
			"message": message,
		},
	})
}
