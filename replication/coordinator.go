package replication

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"zonelink/broker"
	"zonelink/wire"
)

// State 复制协调器的会话状态
type State int32

const (
	StateDisconnected State = iota
	StateJoining
	StateActive
	StateTransferring
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateTransferring:
		return "transferring"
	case StateLeaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrTransferPending   = errors.New("another zone transfer is pending")
	ErrNoPendingTransfer = errors.New("no zone transfer is pending")
	ErrNotActive         = errors.New("replication session is not active")
	ErrDegraded          = errors.New("replication disabled: broker unavailable")
	ErrRateLimited       = errors.New("interaction rate limit exceeded")
)

// Link 协调器使用的会话能力，*broker.Session 满足它
type Link interface {
	Publish(ctx context.Context, exchange, key string, env wire.Envelope) error
	SubscribeAll(h broker.Handler) error
	Rebind(ctx context.Context, fromZone, toZone string) error
	Close(ctx context.Context, key string, farewell wire.Envelope) error
	Exchanges() broker.Exchanges
}

// Connector 为指定区域建立会话
type Connector func(ctx context.Context, zone string) (Link, error)

// BrokerConnector 基于 broker.Connect 的 Connector
func BrokerConnector(dial broker.Dialer, url, playerID string, ex broker.Exchanges, log *zap.SugaredLogger) Connector {
	return func(ctx context.Context, zone string) (Link, error) {
		s, err := broker.Connect(ctx, dial, url, broker.Options{
			PlayerID:  playerID,
			Zone:      zone,
			Exchanges: ex,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Hooks 渲染层回调，全部在模拟线程上执行
type Hooks struct {
	Spawned     func(RemoteEntity)
	Moved       func(RemoteEntity)
	Animated    func(RemoteEntity)
	Interacted  func(playerID, tag string)
	Removed     func(playerID string)
	ZoneChanged func(from, to string)
}

// Snapshot 注册表与会话状态的只读视图
type Snapshot struct {
	Seq      uint64         `json:"seq"`
	Zone     string         `json:"zone"`
	State    string         `json:"state"`
	Degraded bool           `json:"degraded"`
	Entities []RemoteEntity `json:"entities"`
}

type Option func(*Coordinator)

// WithClock 替换时间源（测试用）；必须可并发调用
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithHooks(h Hooks) Option {
	return func(c *Coordinator) { c.hooks = h }
}

func WithJournal(j *Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithSnapshotSink 注册表变化后在模拟线程上回调
func WithSnapshotSink(fn func(Snapshot)) Option {
	return func(c *Coordinator) { c.sink = fn }
}

// Coordinator 复制协调器：拥有会话生命周期与远端玩家表。
// 除标明可并发的访问器外，所有方法只能在模拟线程上调用。
type Coordinator struct {
	sc      SessionContext
	cfg     Config
	connect Connector
	log     *zap.SugaredLogger
	now     func() time.Time

	link       Link
	exchanges  broker.Exchanges
	dispatcher *Dispatcher
	handoff    *Handoff
	registry   *Registry
	metrics    *Metrics
	journal    *Journal
	hooks      Hooks
	sink       func(Snapshot)
	limiter    *rate.Limiter

	state        atomic.Int32
	degraded     atomic.Bool
	tickInterval atomic.Int64
	snapshot     atomic.Pointer[Snapshot]

	zone        string
	pendingZone string
	serverZone  string
	lastAnim    wire.AnimationKind
	started     time.Time
	nextTick    time.Time
	lastStamp   float64
	seq         uint64
	dirty       bool
	stopped     bool
}

// NewCoordinator 校验会话上下文与配置；不进行任何网络操作
func NewCoordinator(sc SessionContext, cfg Config, connect Connector, log *zap.SugaredLogger, opts ...Option) (*Coordinator, error) {
	if err := sc.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if connect == nil {
		return nil, errors.New("coordinator: nil connector")
	}
	log = orNop(log)
	c := &Coordinator{
		sc:        sc,
		cfg:       cfg,
		connect:   connect,
		log:       log.With("player", sc.Identity.ID),
		now:       time.Now,
		exchanges: cfg.Exchanges,
		handoff:   NewHandoff(),
		registry:  NewRegistry(),
		metrics:   &Metrics{},
		zone:      sc.Zone,
		lastAnim:  wire.AnimIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.exchanges.Normalize()
	c.tickInterval.Store(int64(cfg.TickInterval()))
	if cfg.InteractionRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.InteractionRate), cfg.InteractionBurst)
	}
	c.dispatcher = NewDispatcher(c.handoff, c.metrics, c.journal, c.log)
	c.dispatcher.now = c.now
	c.storeSnapshot()
	return c, nil
}

// Start 建立会话并发送 Join。
// 连接失败时进入降级模式（仅本地可见）并返回错误，调用方继续运行。
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.IsZero() {
		return errors.New("coordinator already started")
	}
	c.started = c.now()
	c.nextTick = c.started.Add(c.TickInterval())
	c.setState(StateJoining)

	link, err := c.connect(ctx, c.zone)
	if err == nil {
		if err = link.SubscribeAll(c.dispatcher.Handle); err != nil {
			if cerr := link.Close(ctx, "", nil); cerr != nil {
				c.log.Debugw("close after subscribe failure", "error", cerr)
			}
			err = fmt.Errorf("subscribe: %w", err)
		}
	}
	if err != nil {
		c.degraded.Store(true)
		c.setState(StateDisconnected)
		c.log.Errorw("replication unavailable, continuing offline", "zone", c.zone, "error", err)
		c.flushSnapshot()
		return err
	}

	c.link = link
	c.exchanges = link.Exchanges()
	c.sendJoin()
	return nil
}

func (c *Coordinator) sendJoin() {
	if err := c.publish(wire.KindJoin, wire.Join{ID: c.sc.Identity.ID}); err != nil {
		c.log.Warnw("join not sent, retrying next tick", "zone", c.zone, "error", err)
		return
	}
	c.setState(StateActive)
	c.log.Infow("joined zone", "zone", c.zone)
}

// Step 每帧调用一次：按序应用入站消息，到点时发布位置，然后刷新快照
func (c *Coordinator) Step(now time.Time) {
	for _, in := range c.handoff.Drain() {
		c.apply(in)
	}

	if c.link != nil && !now.Before(c.nextTick) {
		c.advanceTick(now)
		switch c.State() {
		case StateJoining:
			c.sendJoin()
		case StateActive, StateTransferring:
			c.publishMovement(now)
		}
	}

	if c.dirty {
		c.flushSnapshot()
	}
}

func (c *Coordinator) advanceTick(now time.Time) {
	c.nextTick = c.nextTick.Add(c.TickInterval())
	// 帧严重落后时不补发，直接对齐到下一个间隔
	if !c.nextTick.After(now) {
		c.nextTick = now.Add(c.TickInterval())
	}
}

func (c *Coordinator) publishMovement(now time.Time) {
	c.metrics.IncTick()
	pos := c.sc.State.Position()
	m := wire.Movement{
		ID:        c.sc.Identity.ID,
		PosX:      pos.X,
		PosY:      pos.Y,
		PosZ:      pos.Z,
		RotY:      c.sc.State.RotationY(),
		Timestamp: c.stamp(now),
	}
	if err := c.publish(wire.KindMovement, m); err != nil {
		return
	}
	c.metrics.IncMovementPublished()
}

// stamp 自 Start 起的秒数，严格递增
func (c *Coordinator) stamp(now time.Time) float64 {
	ts := now.Sub(c.started).Seconds()
	if ts <= c.lastStamp {
		ts = math.Nextafter(c.lastStamp, math.Inf(1))
	}
	c.lastStamp = ts
	return ts
}

func (c *Coordinator) publish(kind wire.Kind, env wire.Envelope) error {
	return c.publishKey(wire.ControlKey(kind, c.zone), env)
}

func (c *Coordinator) publishKey(key string, env wire.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PublishTimeout())
	defer cancel()
	if err := c.link.Publish(ctx, c.exchanges.Control, key, env); err != nil {
		c.metrics.IncPublishFailure()
		return err
	}
	if err := c.journal.Record(DirOut, key, env); err != nil {
		c.log.Debugw("journal write failed", "error", err)
	}
	return nil
}

func (c *Coordinator) ready() error {
	if c.degraded.Load() {
		return ErrDegraded
	}
	switch c.State() {
	case StateActive, StateTransferring:
		return nil
	}
	return ErrNotActive
}

// SendAnimation 只有与上一次已发送的动画不同时才发布
func (c *Coordinator) SendAnimation(kind wire.AnimationKind) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown animation %q", kind)
	}
	if kind == c.lastAnim {
		c.metrics.IncAnimationSuppressed()
		return nil
	}
	if err := c.ready(); err != nil {
		return err
	}
	env := wire.Animation{PlayerID: c.sc.Identity.ID, Animation: kind, Timestamp: c.stamp(c.now())}
	if err := c.publish(wire.KindAnimation, env); err != nil {
		return err
	}
	c.lastAnim = kind
	c.metrics.IncAnimationSent()
	return nil
}

// SendInteraction 发布交互标签；超过令牌桶速率时丢弃并返回 ErrRateLimited
func (c *Coordinator) SendInteraction(tag string) error {
	if strings.TrimSpace(tag) == "" {
		return errors.New("empty interaction tag")
	}
	if err := c.ready(); err != nil {
		return err
	}
	if c.limiter != nil && !c.limiter.AllowN(c.now(), 1) {
		c.metrics.IncInteractionLimited()
		return ErrRateLimited
	}
	env := wire.Interaction{PlayerID: c.sc.Identity.ID, Interaction: tag, Timestamp: c.stamp(c.now())}
	if err := c.publish(wire.KindInteraction, env); err != nil {
		return err
	}
	c.metrics.IncInteractionSent()
	return nil
}

// SendPlayerTransfer 切换到 target 区域：在旧区域发布 Transfer，然后同步改绑。
// 改绑失败时保持 Transferring 与旧区域，返回 *broker.RebindError 等待重试。
func (c *Coordinator) SendPlayerTransfer(ctx context.Context, target string) error {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" || strings.ContainsAny(target, ".*#") {
		return fmt.Errorf("invalid zone %q", target)
	}
	if c.degraded.Load() {
		if target != c.zone {
			c.changeZone(target)
		}
		return nil
	}
	switch c.State() {
	case StateTransferring:
		if target != c.pendingZone {
			return fmt.Errorf("%w: %s", ErrTransferPending, c.pendingZone)
		}
		return c.rebind(ctx)
	case StateActive:
	default:
		return ErrNotActive
	}
	if target == c.zone {
		return nil
	}

	from := c.zone
	env := wire.Transfer{PlayerID: c.sc.Identity.ID, From: from, To: target, Timestamp: c.stamp(c.now())}
	if err := c.publish(wire.KindTransfer, env); err != nil {
		c.log.Warnw("transfer notice not sent", "from", from, "to", target, "error", err)
	}
	c.pendingZone = target
	c.setState(StateTransferring)
	return c.rebind(ctx)
}

// RetryTransfer 重试上一次失败的改绑
func (c *Coordinator) RetryTransfer(ctx context.Context) error {
	if c.State() != StateTransferring || c.pendingZone == "" {
		return ErrNoPendingTransfer
	}
	return c.rebind(ctx)
}

func (c *Coordinator) rebind(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RebindTimeout())
	defer cancel()
	from, to := c.zone, c.pendingZone
	if err := c.link.Rebind(ctx, from, to); err != nil {
		c.metrics.IncRebindFailure()
		c.log.Warnw("zone rebind failed, transfer pending", "from", from, "to", to, "error", err)
		return err
	}
	c.pendingZone = ""
	c.changeZone(to)
	c.setState(StateActive)
	c.metrics.IncTransfer()
	return nil
}

// changeZone 切换本地区域并清空远端玩家表
func (c *Coordinator) changeZone(to string) {
	from := c.zone
	c.zone = to
	// 改绑是同步的：已排队的入站消息都来自旧区域的绑定
	if stale := c.handoff.Drain(); len(stale) > 0 {
		c.metrics.AddStaleDiscarded(len(stale))
		c.log.Debugw("discarding inbound from previous zone", "zone", from, "count", len(stale))
	}
	removed := c.registry.Clear()
	c.metrics.AddRemoved(len(removed))
	if c.hooks.Removed != nil {
		for _, id := range removed {
			c.hooks.Removed(id)
		}
	}
	if c.hooks.ZoneChanged != nil {
		c.hooks.ZoneChanged(from, to)
	}
	c.dirty = true
	c.log.Infow("zone changed", "from", from, "to", to, "cleared", len(removed))
}

// apply 在模拟线程上应用一条入站消息
func (c *Coordinator) apply(in Inbound) {
	self := c.sc.Identity.ID
	switch env := in.Envelope.(type) {
	case wire.MovementBatch:
		for _, u := range env.Updates {
			if u.ID == self {
				continue
			}
			spawned := c.registry.Upsert(u.ID, u.Position, u.RotationY)
			e, _ := c.registry.Get(u.ID)
			if spawned {
				c.metrics.IncSpawned()
				c.fire(c.hooks.Spawned, e)
			} else {
				c.fire(c.hooks.Moved, e)
			}
		}
	case wire.Animation:
		if env.PlayerID == self {
			return
		}
		if !c.registry.Exists(env.PlayerID) {
			spawn := c.cfg.Zone(c.zone)
			c.registry.Upsert(env.PlayerID, spawn.Spawn, spawn.Yaw)
			c.metrics.IncSpawned()
			e, _ := c.registry.Get(env.PlayerID)
			c.fire(c.hooks.Spawned, e)
		}
		c.registry.ApplyAnimation(env.PlayerID, env.Animation)
		e, _ := c.registry.Get(env.PlayerID)
		c.fire(c.hooks.Animated, e)
	case wire.Interaction:
		if env.PlayerID == self {
			return
		}
		if env.Interaction == wire.InteractionLeft {
			c.removeRemote(env.PlayerID)
			return
		}
		if c.hooks.Interacted != nil {
			c.hooks.Interacted(env.PlayerID, env.Interaction)
		}
	case wire.Transfer:
		if env.PlayerID == self {
			c.serverZone = env.To
			c.log.Debugw("server confirmed zone", "zone", env.To)
			return
		}
		if env.To != c.zone {
			c.removeRemote(env.PlayerID)
		}
	case wire.Join, wire.Leave, wire.Movement:
		c.log.Debugw("ignoring client-to-server envelope", "kind", env.Kind().String(), "key", in.RoutingKey)
		return
	default:
		c.log.Warnw("unhandled envelope", "key", in.RoutingKey)
		return
	}
	c.dirty = true
}

func (c *Coordinator) removeRemote(id string) {
	if !c.registry.Remove(id) {
		return
	}
	c.metrics.AddRemoved(1)
	if c.hooks.Removed != nil {
		c.hooks.Removed(id)
	}
}

func (c *Coordinator) fire(fn func(RemoteEntity), e RemoteEntity) {
	if fn != nil {
		fn(e)
	}
}

// Stop 发送 Leave 并关闭会话；重复调用为空操作
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.stopped {
		return nil
	}
	c.stopped = true
	c.dispatcher.Stop()
	if c.link == nil {
		c.setState(StateDisconnected)
		c.flushSnapshot()
		return nil
	}

	c.setState(StateLeaving)
	key := wire.ControlKey(wire.KindLeave, c.zone)
	leave := wire.Leave{ID: c.sc.Identity.ID}
	err := c.link.Close(ctx, key, leave)
	if err == nil {
		if jerr := c.journal.Record(DirOut, key, leave); jerr != nil {
			c.log.Debugw("journal write failed", "error", jerr)
		}
	}
	c.link = nil
	c.setState(StateDisconnected)
	c.flushSnapshot()
	c.log.Infow("left zone", "zone", c.zone)
	return err
}

func (c *Coordinator) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		c.dirty = true
	}
}

// flushSnapshot 发布快照并通知 sink
func (c *Coordinator) flushSnapshot() {
	c.dirty = false
	c.storeSnapshot()
	if c.sink != nil {
		c.sink(c.Snapshot())
	}
}

func (c *Coordinator) storeSnapshot() {
	c.seq++
	c.snapshot.Store(&Snapshot{
		Seq:      c.seq,
		Zone:     c.zone,
		State:    c.State().String(),
		Degraded: c.degraded.Load(),
		Entities: c.registry.Entities(),
	})
}

// State 可并发调用
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Snapshot 最近一次发布的快照，可并发调用
func (c *Coordinator) Snapshot() Snapshot {
	if p := c.snapshot.Load(); p != nil {
		return *p
	}
	return Snapshot{}
}

// Degraded 连接失败后为 true，可并发调用
func (c *Coordinator) Degraded() bool { return c.degraded.Load() }

func (c *Coordinator) Metrics() *Metrics { return c.metrics }

// TickInterval 可并发调用
func (c *Coordinator) TickInterval() time.Duration {
	return time.Duration(c.tickInterval.Load())
}

// SetTickInterval 运行时调整位置发布间隔，下一次 Tick 生效；可并发调用
func (c *Coordinator) SetTickInterval(d time.Duration) error {
	if d < MinTickInterval || d > MaxTickInterval {
		return fmt.Errorf("tick interval %s out of range [%s,%s]", d, MinTickInterval, MaxTickInterval)
	}
	c.tickInterval.Store(int64(d))
	c.log.Infow("tick interval updated", "interval", d)
	return nil
}

// Pending 等待模拟线程处理的入站消息数，可并发调用
func (c *Coordinator) Pending() int { return c.handoff.Len() }

func (c *Coordinator) Identity() PlayerIdentity { return c.sc.Identity }
func (c *Coordinator) Zone() string             { return c.zone }
func (c *Coordinator) PendingZone() string      { return c.pendingZone }
func (c *Coordinator) ServerZone() string       { return c.serverZone }
func (c *Coordinator) Registry() *Registry      { return c.registry }
