package replication

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"zonelink/broker"
	"zonelink/wire"
)

// Dispatcher 运行在会话的分发协程上：分类、解码、交给模拟线程。
// 从不触碰 Registry。
type Dispatcher struct {
	handoff *Handoff
	metrics *Metrics
	journal *Journal
	log     *zap.SugaredLogger
	now     func() time.Time

	running atomic.Bool
	// 坏消息可能成批到达，日志按时间采样
	sample  rate.Sometimes
}

func NewDispatcher(h *Handoff, m *Metrics, j *Journal, log *zap.SugaredLogger) *Dispatcher {
	d := &Dispatcher{
		handoff: h,
		metrics: m,
		journal: j,
		log:     orNop(log),
		now:     time.Now,
		sample:  rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
	d.running.Store(true)
	return d
}

// Handle 满足 broker.Handler
func (d *Dispatcher) Handle(del broker.Delivery) {
	if !d.running.Load() {
		d.metrics.IncDroppedAfterStop()
		return
	}
	kind, err := wire.Classify(del.RoutingKey)
	if err != nil {
		d.drop(del, err)
		return
	}
	env, err := wire.Decode(del.Body, kind)
	if err != nil {
		d.drop(del, err)
		return
	}
	if err := d.journal.Record(DirIn, del.RoutingKey, env); err != nil {
		d.log.Debugw("journal write failed", "error", err)
	}
	depth := d.handoff.Push(Inbound{
		Kind:       kind,
		RoutingKey: del.RoutingKey,
		Envelope:   env,
		ReceivedAt: d.now(),
	})
	d.metrics.IncReceived()
	d.metrics.ObserveHandoff(depth)
}

// Stop 之后到达的投递全部丢弃
func (d *Dispatcher) Stop() { d.running.Store(false) }

func (d *Dispatcher) drop(del broker.Delivery, err error) {
	d.metrics.IncDecodeFailure()
	d.sample.Do(func() {
		d.log.Warnw("dropping inbound message", "queue", del.Queue, "key", del.RoutingKey, "error", err)
	})
}
