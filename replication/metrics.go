package replication

import (
	"sync/atomic"
)

// Metrics 复制层运行指标（原子计数，可跨协程读取）
type Metrics struct {
	Ticks                int64 // 已执行的发送 Tick
	MovementsPublished   int64
	PublishFailures      int64
	AnimationsSent       int64
	AnimationsSuppressed int64 // 与上次相同而未发送
	InteractionsSent     int64
	InteractionsLimited  int64 // 令牌桶拒绝
	Received             int64 // 成功解码并入队
	DecodeFailures       int64
	DroppedAfterStop     int64
	StaleDiscarded       int64 // 换区时丢弃的旧区域消息
	Spawned              int64
	Removed              int64
	Transfers            int64
	RebindFailures       int64
	HandoffPeak          int64 // 交接队列最大深度
	Frames               int64
	TotalFrameNs         int64 // 帧累计耗时（纳秒）
}

func (m *Metrics) IncTick()                { atomic.AddInt64(&m.Ticks, 1) }
func (m *Metrics) IncMovementPublished()   { atomic.AddInt64(&m.MovementsPublished, 1) }
func (m *Metrics) IncPublishFailure()      { atomic.AddInt64(&m.PublishFailures, 1) }
func (m *Metrics) IncAnimationSent()       { atomic.AddInt64(&m.AnimationsSent, 1) }
func (m *Metrics) IncAnimationSuppressed() { atomic.AddInt64(&m.AnimationsSuppressed, 1) }
func (m *Metrics) IncInteractionSent()     { atomic.AddInt64(&m.InteractionsSent, 1) }
func (m *Metrics) IncInteractionLimited()  { atomic.AddInt64(&m.InteractionsLimited, 1) }
func (m *Metrics) IncReceived()            { atomic.AddInt64(&m.Received, 1) }
func (m *Metrics) IncDecodeFailure()       { atomic.AddInt64(&m.DecodeFailures, 1) }
func (m *Metrics) IncDroppedAfterStop()    { atomic.AddInt64(&m.DroppedAfterStop, 1) }
func (m *Metrics) IncSpawned()             { atomic.AddInt64(&m.Spawned, 1) }
func (m *Metrics) AddRemoved(n int)        { atomic.AddInt64(&m.Removed, int64(n)) }
func (m *Metrics) AddStaleDiscarded(n int) { atomic.AddInt64(&m.StaleDiscarded, int64(n)) }
func (m *Metrics) IncTransfer()            { atomic.AddInt64(&m.Transfers, 1) }
func (m *Metrics) IncRebindFailure()       { atomic.AddInt64(&m.RebindFailures, 1) }

func (m *Metrics) AddFrame(ns int64) {
	atomic.AddInt64(&m.Frames, 1)
	atomic.AddInt64(&m.TotalFrameNs, ns)
}

// ObserveHandoff 记录交接队列深度峰值
func (m *Metrics) ObserveHandoff(depth int) {
	d := int64(depth)
	for {
		cur := atomic.LoadInt64(&m.HandoffPeak)
		if d <= cur || atomic.CompareAndSwapInt64(&m.HandoffPeak, cur, d) {
			return
		}
	}
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	frames := atomic.LoadInt64(&m.Frames)
	total := atomic.LoadInt64(&m.TotalFrameNs)
	var avgMs float64
	if frames > 0 {
		avgMs = float64(total) / float64(frames) / 1e6
	}
	return map[string]any{
		"ticks":                 atomic.LoadInt64(&m.Ticks),
		"movements_published":   atomic.LoadInt64(&m.MovementsPublished),
		"publish_failures":      atomic.LoadInt64(&m.PublishFailures),
		"animations_sent":       atomic.LoadInt64(&m.AnimationsSent),
		"animations_suppressed": atomic.LoadInt64(&m.AnimationsSuppressed),
		"interactions_sent":     atomic.LoadInt64(&m.InteractionsSent),
		"interactions_limited":  atomic.LoadInt64(&m.InteractionsLimited),
		"received":              atomic.LoadInt64(&m.Received),
		"decode_failures":       atomic.LoadInt64(&m.DecodeFailures),
		"dropped_after_stop":    atomic.LoadInt64(&m.DroppedAfterStop),
		"stale_discarded":       atomic.LoadInt64(&m.StaleDiscarded),
		"spawned":               atomic.LoadInt64(&m.Spawned),
		"removed":               atomic.LoadInt64(&m.Removed),
		"transfers":             atomic.LoadInt64(&m.Transfers),
		"rebind_failures":       atomic.LoadInt64(&m.RebindFailures),
		"handoff_peak":          atomic.LoadInt64(&m.HandoffPeak),
		"frames":                frames,
		"avg_frame_ms":          avgMs,
	}
}
