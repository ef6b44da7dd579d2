package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"zonelink/wire"
)

// ErrClosed 会话已关闭
var ErrClosed = errors.New("broker session closed")

// Delivery 一条原始入站消息（已与 AMQP 类型解耦）
type Delivery struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Body       []byte
	MessageID  string
}

// Handler 入站回调，只在会话的分发协程上执行
type Handler func(Delivery)

// Options 建立会话所需的身份与拓扑
type Options struct {
	PlayerID  string
	Zone      string
	Exchanges Exchanges
	Logger    *zap.SugaredLogger
	InboxSize int // 分发协程前的缓冲，默认 1024
}

type consumer struct {
	tag     string
	queue   string
	handler Handler
}

type inbound struct {
	d amqp.Delivery
	c *consumer
}

// Session 持有到 broker 的连接、交换机/队列拓扑，以及唯一的入站分发协程
type Session struct {
	url      string
	conn     Connection
	ch       Channel
	ex       Exchanges
	playerID string
	log      *zap.SugaredLogger

	mu        sync.Mutex
	zone      string
	prevZone  string
	consumers map[string]*consumer // queue -> consumer
	closed    bool

	running      atomic.Bool
	inbox        chan inbound
	stop         chan struct{}
	forwarders   sync.WaitGroup
	dispatchDone chan struct{}
}

// Connect 拨号、声明拓扑并启动分发协程；任何一步失败都返回 *ConnectionError
func Connect(ctx context.Context, dial Dialer, brokerURL string, opts Options) (*Session, error) {
	safeURL := redact(brokerURL)
	if opts.PlayerID == "" || opts.Zone == "" {
		return nil, &ConnectionError{URL: safeURL, Op: "options", Err: errors.New("player id and zone are required")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{URL: safeURL, Op: "dial", Err: err}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ex := opts.Exchanges
	ex.Normalize()
	inboxSize := opts.InboxSize
	if inboxSize <= 0 {
		inboxSize = 1024
	}

	conn, err := dial(brokerURL)
	if err != nil {
		return nil, &ConnectionError{URL: safeURL, Op: "dial", Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{URL: safeURL, Op: "channel", Err: err}
	}

	s := &Session{
		url:          safeURL,
		conn:         conn,
		ch:           ch,
		ex:           ex,
		playerID:     opts.PlayerID,
		log:          log.With("player", opts.PlayerID),
		zone:         opts.Zone,
		consumers:    make(map[string]*consumer),
		inbox:        make(chan inbound, inboxSize),
		stop:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	if err := s.declareTopology(); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, &ConnectionError{URL: safeURL, Op: "declare", Err: err}
	}

	s.running.Store(true)
	go s.dispatch()
	s.log.Infow("connected to broker", "url", safeURL, "zone", opts.Zone)
	return s, nil
}

func (s *Session) declareTopology() error {
	if err := s.ch.ExchangeDeclare(s.ex.Control, "direct", false, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange %s: %w", s.ex.Control, err)
	}
	for _, name := range []string{s.ex.Movement, s.ex.Animations, s.ex.Interactions, s.ex.Transfer} {
		if err := s.ch.ExchangeDeclare(name, "topic", false, false, false, false, nil); err != nil {
			return fmt.Errorf("exchange %s: %w", name, err)
		}
	}
	if err := s.declareBindings(playerBindings(s.ex, s.playerID)); err != nil {
		return err
	}
	return s.declareBindings(transferBindings(s.ex, s.zone, s.playerID))
}

// declareBindings 声明（幂等）队列并逐条绑定
func (s *Session) declareBindings(bindings []Binding) error {
	declared := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		if !declared[b.Queue] {
			if _, err := s.ch.QueueDeclare(b.Queue, false, true, false, false, nil); err != nil {
				return fmt.Errorf("queue %s: %w", b.Queue, err)
			}
			declared[b.Queue] = true
		}
		if err := s.ch.QueueBind(b.Queue, b.Key, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s -> %s/%s: %w", b.Queue, b.Exchange, b.Key, err)
		}
	}
	return nil
}

// Publish 编码并发布；失败只记录并返回 *PublishError，不做重试
func (s *Session) Publish(ctx context.Context, exchange, key string, env wire.Envelope) error {
	body, err := wire.Encode(env)
	if err != nil {
		return &PublishError{Exchange: exchange, Key: key, Err: err}
	}
	if !s.running.Load() {
		return &PublishError{Exchange: exchange, Key: key, Err: ErrClosed}
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		Type:        env.Kind().String(),
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now(),
		Body:        body,
	}
	if err := s.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		s.log.Warnw("publish failed", "exchange", exchange, "key", key, "error", err)
		return &PublishError{Exchange: exchange, Key: key, Err: err}
	}
	return nil
}

// Subscribe 为队列注册回调；回调在分发协程上按到达顺序执行
func (s *Session) Subscribe(queue string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.consumers[queue]; ok {
		return fmt.Errorf("queue %s already subscribed", queue)
	}
	return s.consumeLocked(queue, h)
}

// SubscribeAll 订阅本会话声明的全部队列
func (s *Session) SubscribeAll(h Handler) error {
	for _, q := range s.Queues() {
		if err := s.Subscribe(q, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) consumeLocked(queue string, h Handler) error {
	tag := queue + "/" + uuid.NewString()
	deliveries, err := s.ch.Consume(queue, tag, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	c := &consumer{tag: tag, queue: queue, handler: h}
	s.consumers[queue] = c
	s.forwarders.Add(1)
	go s.forward(c, deliveries)
	return nil
}

// forward 把单个消费者的投递汇入 inbox，交给唯一的分发协程
func (s *Session) forward(c *consumer, deliveries <-chan amqp.Delivery) {
	defer s.forwarders.Done()
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case s.inbox <- inbound{d: d, c: c}:
			case <-s.stop:
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Session) dispatch() {
	defer close(s.dispatchDone)
	for {
		select {
		case in := <-s.inbox:
			if !s.running.Load() {
				continue
			}
			in.c.handler(Delivery{
				Queue:      in.c.queue,
				Exchange:   in.d.Exchange,
				RoutingKey: in.d.RoutingKey,
				Body:       in.d.Body,
				MessageID:  in.d.MessageId,
			})
		case <-s.stop:
			return
		}
	}
}

// Rebind 把区域切换队列从 fromZone 移到 toZone。
// 先建新队列再拆旧队列；中途失败会回滚，保证只剩旧区域的一组绑定。
// 调用方最多等待到 ctx 截止；超时后后台步骤在下一个检查点回滚，
// 若已完成拆除则照常提交，此时以相同参数重试会直接成功。
func (s *Session) Rebind(ctx context.Context, fromZone, toZone string) error {
	if err := ctx.Err(); err != nil {
		return &RebindError{From: fromZone, To: toZone, Err: err}
	}
	done := make(chan error, 1)
	go func() { done <- s.rebind(ctx, fromZone, toZone) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.log.Warnw("rebind deadline exceeded", "from", fromZone, "to", toZone)
		return &RebindError{From: fromZone, To: toZone, Err: ctx.Err()}
	}
}

func (s *Session) rebind(ctx context.Context, fromZone, toZone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &RebindError{From: fromZone, To: toZone, Err: ErrClosed}
	}
	if fromZone != s.zone {
		if s.zone == toZone && s.prevZone == fromZone {
			// 上一次超时的改绑已在后台完成
			return nil
		}
		return &RebindError{From: fromZone, To: toZone, Err: fmt.Errorf("session is bound to zone %q", s.zone)}
	}
	if fromZone == toZone {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &RebindError{From: fromZone, To: toZone, Err: err}
	}

	oldQ := TransferQueue(fromZone, s.playerID)
	newQ := TransferQueue(toZone, s.playerID)
	oldBindings := transferBindings(s.ex, fromZone, s.playerID)
	old := s.consumers[oldQ]

	if err := s.declareBindings(transferBindings(s.ex, toZone, s.playerID)); err != nil {
		s.dropQueueLocked(newQ)
		return &RebindError{From: fromZone, To: toZone, Err: err}
	}
	if old != nil {
		if err := s.consumeLocked(newQ, old.handler); err != nil {
			s.dropQueueLocked(newQ)
			return &RebindError{From: fromZone, To: toZone, Err: err}
		}
	}
	// 旧队列尚未拆除，超时即回滚
	if err := ctx.Err(); err != nil {
		s.dropQueueLocked(newQ)
		return &RebindError{From: fromZone, To: toZone, Err: err}
	}

	if err := s.teardownLocked(oldQ, oldBindings); err != nil {
		s.dropQueueLocked(newQ)
		if rerr := s.declareBindings(oldBindings); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("restore %s: %w", oldQ, rerr))
		}
		return &RebindError{From: fromZone, To: toZone, Err: err}
	}

	s.prevZone, s.zone = fromZone, toZone
	s.log.Infow("transfer queue rebound", "from", oldQ, "to", newQ)
	return nil
}

// teardownLocked 解绑并删除旧队列；删除时服务端会取消其消费者
func (s *Session) teardownLocked(queue string, bindings []Binding) error {
	for _, b := range bindings {
		if err := s.ch.QueueUnbind(b.Queue, b.Key, b.Exchange, nil); err != nil {
			return fmt.Errorf("unbind %s -> %s/%s: %w", b.Queue, b.Exchange, b.Key, err)
		}
	}
	if _, err := s.ch.QueueDelete(queue, false, false, false); err != nil {
		return fmt.Errorf("delete %s: %w", queue, err)
	}
	delete(s.consumers, queue)
	return nil
}

func (s *Session) dropQueueLocked(queue string) {
	if _, err := s.ch.QueueDelete(queue, false, false, false); err != nil {
		s.log.Debugw("drop queue failed", "queue", queue, "error", err)
	}
	delete(s.consumers, queue)
}

// Close 尽力而为地关闭：发送告别消息、停止消费、关闭通道与连接。
// 每一步都会执行，错误合并返回。
func (s *Session) Close(ctx context.Context, key string, farewell wire.Envelope) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var err error
	if farewell != nil {
		err = multierr.Append(err, s.Publish(ctx, s.ex.Control, key, farewell))
	}
	s.running.Store(false)
	for q, c := range s.consumers {
		if cerr := s.ch.Cancel(c.tag, false); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("cancel %s: %w", q, cerr))
		}
		delete(s.consumers, q)
	}
	s.mu.Unlock()

	close(s.stop)
	s.forwarders.Wait()
	<-s.dispatchDone

	if cerr := s.ch.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close channel: %w", cerr))
	}
	if cerr := s.conn.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close connection: %w", cerr))
	}
	s.log.Infow("broker session closed", "errors", len(multierr.Errors(err)))
	return err
}

// Queues 当前声明的私有队列（有序）
func (s *Session) Queues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{
		PlayerQueue(wire.KindMovementBatch, s.playerID),
		PlayerQueue(wire.KindAnimation, s.playerID),
		PlayerQueue(wire.KindInteraction, s.playerID),
		TransferQueue(s.zone, s.playerID),
	}
	sort.Strings(out)
	return out
}

// TransferQueue 当前区域切换队列名
func (s *Session) TransferQueue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return TransferQueue(s.zone, s.playerID)
}

// Zone 当前绑定的区域
func (s *Session) Zone() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zone
}

// Exchanges 会话使用的交换机命名
func (s *Session) Exchanges() Exchanges { return s.ex }

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
