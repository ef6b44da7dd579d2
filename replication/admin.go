package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Admin 本地调试与监控接口
type Admin struct {
	c    *Coordinator
	loop *Loop
	hub  *Hub
	log  *zap.SugaredLogger
}

// NewAdmin loop 为 nil 时只读，写操作返回 503
func NewAdmin(c *Coordinator, loop *Loop, hub *Hub, log *zap.SugaredLogger) *Admin {
	return &Admin{c: c, loop: loop, hub: hub, log: orNop(log)}
}

// Routes 注册全部路由
func (a *Admin) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", a.HandleMetrics)
	mux.HandleFunc("/entities", a.HandleEntities)
	mux.HandleFunc("/admin/config", a.HandleConfig)
	mux.HandleFunc("/admin/transfer", a.HandleTransfer)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if a.hub != nil {
		mux.HandleFunc("/ws", a.hub.HandleWS)
	}
	return mux
}

// HandleMetrics GET /metrics
func (a *Admin) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := a.c.Snapshot()
	payload := map[string]any{
		"player":   a.c.Identity().ID,
		"zone":     snap.Zone,
		"state":    snap.State,
		"degraded": snap.Degraded,
		"pending":  a.c.Pending(),
		"metrics":  a.c.Metrics().Snapshot(),
	}
	if a.hub != nil {
		payload["viewers"] = a.hub.Viewers()
	}
	writeJSON(w, http.StatusOK, payload)
}

// HandleEntities GET /entities 返回最近一次快照
func (a *Admin) HandleEntities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.c.Snapshot())
}

// HandleConfig 读取与热更新复制参数
// GET  /admin/config  返回当前配置
// POST /admin/config  以 JSON 载荷更新部分字段
func (a *Admin) HandleConfig(w http.ResponseWriter, r *http.Request) {
	type cfg struct {
		TickIntervalMs *int `json:"tickIntervalMs,omitempty"`
	}

	switch r.Method {
	case http.MethodGet:
		ms := int(a.c.TickInterval() / time.Millisecond)
		writeJSON(w, http.StatusOK, cfg{TickIntervalMs: &ms})
	case http.MethodPost:
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if body.TickIntervalMs != nil {
			if err := a.c.SetTickInterval(time.Duration(*body.TickIntervalMs) * time.Millisecond); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleTransfer POST /admin/transfer?zone=desert 投递到模拟循环，异步执行
func (a *Admin) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.loop == nil {
		http.Error(w, "read-only admin: no simulation loop", http.StatusServiceUnavailable)
		return
	}
	zone := strings.TrimSpace(r.URL.Query().Get("zone"))
	if zone == "" {
		http.Error(w, "missing zone query", http.StatusBadRequest)
		return
	}
	ok := a.loop.Submit(func(c *Coordinator) {
		if err := c.SendPlayerTransfer(context.Background(), zone); err != nil {
			a.log.Warnw("admin transfer failed", "zone", zone, "error", err)
		}
	})
	if !ok {
		http.Error(w, "loop busy", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "zone": zone})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
