package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/entitlement/internal/clock"
)

// serviceName はヘルスチェックで返すサービス名。
const serviceName = "entitlement"

// HealthChecker はストアの疎通確認インターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	checkers []HealthChecker
	version  string
	clock    clock.Clock
}

// NewHealthHandler はHealthHandlerを生成する。nilのcheckerは無視する。
func NewHealthHandler(version string, clk clock.Clock, checkers ...HealthChecker) *HealthHandler {
	if clk == nil {
		clk = clock.System{}
	}
	h := &HealthHandler{version: version, clock: clk}
	for _, c := range checkers {
		if c != nil {
			h.checkers = append(h.checkers, c)
		}
	}
	return h
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// Health はサービスとストアの状態を返す。ストアに接続できない場合は503。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	for _, c := range h.checkers {
		if err := c.PingContext(ctx); err != nil {
			slog.Warn("health check failed", slog.String("error", err.Error()))
			status, code = "unavailable", http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, code, healthResponse{
		Status:    status,
		Timestamp: h.clock.Now().UTC(),
		Service:   serviceName,
		Version:   h.version,
	})
}
