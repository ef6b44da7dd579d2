package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"zonelink/wire"
)

// ViewerCommand 观察端发来的文本消息
// 示例：{"type":"transfer","zone":"desert"}、{"type":"animation","value":"run"}
type ViewerCommand struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
	Zone  string `json:"zone,omitempty"`
}

// viewerConn 负责发送（写）数据到观察端的轻量包装
type viewerConn struct {
	ws   *websocket.Conn
	send chan []byte
}

func newViewerConn(ws *websocket.Conn) *viewerConn {
	return &viewerConn{ws: ws, send: make(chan []byte, 64)}
}

// enqueue 非阻塞，满则丢弃，不拖慢模拟线程
func (v *viewerConn) enqueue(b []byte) {
	select {
	case v.send <- b:
	default:
	}
}

// writePump 独立协程，从 send 队列写出到 WS
func (v *viewerConn) writePump() {
	defer v.ws.Close()
	for msg := range v.send {
		v.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := v.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump 读取观察端命令并投递到模拟循环
func (v *viewerConn) readPump(h *Hub) {
	defer h.remove(v)
	v.ws.SetReadLimit(1 << 16)
	v.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	v.ws.SetPongHandler(func(string) error { v.ws.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	for {
		_, payload, err := v.ws.ReadMessage()
		if err != nil {
			return
		}
		v.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		var cmd ViewerCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			continue
		}
		h.command(cmd)
	}
}

// Hub 把注册表快照广播给所有观察端
type Hub struct {
	log  *zap.SugaredLogger
	loop *Loop

	mu      sync.Mutex
	viewers map[*viewerConn]struct{}
	last    []byte
}

// NewHub loop 为 nil 时观察端只读
func NewHub(loop *Loop, log *zap.SugaredLogger) *Hub {
	return &Hub{log: orNop(log), loop: loop, viewers: make(map[*viewerConn]struct{})}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 本地调试工具：允许所有来源
		return true
	},
}

// HandleWS 升级连接并立即推送最近一次快照
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	v := newViewerConn(ws)
	h.mu.Lock()
	h.viewers[v] = struct{}{}
	if h.last != nil {
		v.enqueue(h.last)
	}
	n := len(h.viewers)
	h.mu.Unlock()
	h.log.Infow("viewer connected", "remote", r.RemoteAddr, "viewers", n)

	go v.writePump()
	go v.readPump(h)
}

// Broadcast 可作为 WithSnapshotSink 使用
func (h *Hub) Broadcast(s Snapshot) {
	payload := struct {
		Type string `json:"type"`
		Snapshot
	}{Type: "snapshot", Snapshot: s}
	b, err := json.Marshal(payload)
	if err != nil {
		h.log.Warnw("encode snapshot failed", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = b
	for v := range h.viewers {
		v.enqueue(b)
	}
}

// Viewers 当前连接数
func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Close 断开所有观察端
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for v := range h.viewers {
		delete(h.viewers, v)
		close(v.send)
		_ = v.ws.Close()
	}
}

// remove 与 Broadcast 共用一把锁，保证不会向已关闭的 send 写入
func (h *Hub) remove(v *viewerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[v]; !ok {
		return
	}
	delete(h.viewers, v)
	close(v.send)
	_ = v.ws.Close()
}

func (h *Hub) command(cmd ViewerCommand) {
	if h.loop == nil {
		return
	}
	var fn func(*Coordinator)
	switch strings.ToLower(cmd.Type) {
	case "animation":
		kind, ok := wire.ParseAnimation(cmd.Value)
		if !ok {
			return
		}
		fn = func(c *Coordinator) { h.report("animation", c.SendAnimation(kind)) }
	case "interaction":
		tag := cmd.Value
		fn = func(c *Coordinator) { h.report("interaction", c.SendInteraction(tag)) }
	case "transfer":
		zone := cmd.Zone
		fn = func(c *Coordinator) { h.report("transfer", c.SendPlayerTransfer(context.Background(), zone)) }
	default:
		return
	}
	if !h.loop.Submit(fn) {
		h.log.Warnw("loop busy, viewer command dropped", "type", cmd.Type)
	}
}

func (h *Hub) report(op string, err error) {
	if err != nil {
		h.log.Warnw("viewer command failed", "op", op, "error", err)
	}
}
