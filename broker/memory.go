package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// 可注入故障的操作名
const (
	OpDial            = "dial"
	OpChannel         = "channel"
	OpExchangeDeclare = "exchange.declare"
	OpQueueDeclare    = "queue.declare"
	OpQueueBind       = "queue.bind"
	OpQueueUnbind     = "queue.unbind"
	OpQueueDelete     = "queue.delete"
	OpPublish         = "publish"
	OpConsume         = "consume"
	OpCancel          = "cancel"
	OpClose           = "close"
)

// Message Memory 记录的一次发布
type Message struct {
	Exchange  string
	Key       string
	Body      []byte
	MessageID string
}

// Memory 进程内的 AMQP 风格 broker：direct/topic/fanout 路由、自动删除队列、故障注入。
// 用于测试以及无 broker 的离线运行。
type Memory struct {
	mu        sync.Mutex
	exchanges map[string]string // name -> kind
	queues    map[string]*memQueue
	bindings  []Binding
	published []Message
	faults    map[string][]error
	dropped   int
	bufSize   int
}

type memQueue struct {
	name        string
	autoDelete  bool
	backlog     []amqp.Delivery
	consumers   []*memConsumer
	next        int
	hadConsumer bool
}

type memConsumer struct {
	tag   string
	queue string
	ch    chan amqp.Delivery
	owner *memChannel
}

// NewMemory 创建空 broker
func NewMemory() *Memory {
	return &Memory{
		exchanges: make(map[string]string),
		queues:    make(map[string]*memQueue),
		faults:    make(map[string][]error),
		bufSize:   1024,
	}
}

// FailNext 让下一次 op 操作返回 err（可多次叠加，按顺序消耗）
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], err)
}

func (m *Memory) faultLocked(op string) error {
	errs := m.faults[op]
	if len(errs) == 0 {
		return nil
	}
	m.faults[op] = errs[1:]
	return errs[0]
}

// Dial 满足 Dialer
func (m *Memory) Dial(string) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faultLocked(OpDial); err != nil {
		return nil, err
	}
	return &memConn{m: m}, nil
}

// Inject 以服务端身份向交换机发布原始消息，返回命中的队列数
func (m *Memory) Inject(exchange, key string, body []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := m.publishLocked(exchange, key, amqp.Publishing{Body: body})
	return n
}

// Published 全部发布记录的副本
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.published))
	copy(out, m.published)
	return out
}

// Bindings 当前全部绑定的副本
func (m *Memory) Bindings() []Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Binding, len(m.bindings))
	copy(out, m.bindings)
	return out
}

// HasQueue 队列是否存在
func (m *Memory) HasQueue(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[name]
	return ok
}

// ExchangeKind 返回交换机类型
func (m *Memory) ExchangeKind(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.exchanges[name]
	return k, ok
}

// Route 按当前绑定计算路由结果（有序队列名），不投递
func (m *Memory) Route(exchange, key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routeLocked(exchange, key)
}

// Dropped 因消费者缓冲满而丢弃的投递数
func (m *Memory) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *Memory) routeLocked(exchange, key string) []string {
	kind, ok := m.exchanges[exchange]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	for _, b := range m.bindings {
		if b.Exchange != exchange || seen[b.Queue] {
			continue
		}
		var hit bool
		switch kind {
		case "fanout":
			hit = true
		case "topic":
			hit = TopicMatch(b.Key, key)
		default:
			hit = b.Key == key
		}
		if hit {
			seen[b.Queue] = true
		}
	}
	out := make([]string, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) publishLocked(exchange, key string, msg amqp.Publishing) (int, error) {
	m.published = append(m.published, Message{Exchange: exchange, Key: key, Body: msg.Body, MessageID: msg.MessageId})
	var targets []string
	if exchange == "" {
		if _, ok := m.queues[key]; ok {
			targets = []string{key}
		}
	} else {
		if _, ok := m.exchanges[exchange]; !ok {
			return 0, fmt.Errorf("NOT_FOUND - no exchange '%s'", exchange)
		}
		targets = m.routeLocked(exchange, key)
	}
	for _, name := range targets {
		q := m.queues[name]
		d := amqp.Delivery{
			Exchange:    exchange,
			RoutingKey:  key,
			Body:        append([]byte(nil), msg.Body...),
			MessageId:   msg.MessageId,
			ContentType: msg.ContentType,
			Timestamp:   msg.Timestamp,
		}
		if len(q.consumers) == 0 {
			q.backlog = append(q.backlog, d)
			continue
		}
		c := q.consumers[q.next%len(q.consumers)]
		q.next++
		select {
		case c.ch <- d:
		default:
			m.dropped++
		}
	}
	return len(targets), nil
}

func (m *Memory) deleteQueueLocked(name string) int {
	q, ok := m.queues[name]
	if !ok {
		return 0
	}
	for _, c := range q.consumers {
		close(c.ch)
		delete(c.owner.consumers, c.tag)
	}
	kept := m.bindings[:0]
	for _, b := range m.bindings {
		if b.Queue != name {
			kept = append(kept, b)
		}
	}
	m.bindings = kept
	delete(m.queues, name)
	return len(q.backlog)
}

func (m *Memory) cancelLocked(c *memConsumer) {
	q, ok := m.queues[c.queue]
	delete(c.owner.consumers, c.tag)
	if !ok {
		return
	}
	for i, qc := range q.consumers {
		if qc == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			close(c.ch)
			break
		}
	}
	if q.autoDelete && q.hadConsumer && len(q.consumers) == 0 {
		m.deleteQueueLocked(q.name)
	}
}

// TopicMatch AMQP topic 匹配：'*' 恰好一个词，'#' 零个或多个词
func TopicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	if len(p) == 0 {
		return len(k) == 0
	}
	switch p[0] {
	case "#":
		for i := 0; i <= len(k); i++ {
			if matchWords(p[1:], k[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(k) > 0 && matchWords(p[1:], k[1:])
	default:
		return len(k) > 0 && p[0] == k[0] && matchWords(p[1:], k[1:])
	}
}

type memConn struct {
	m        *Memory
	closed   bool
	channels []*memChannel
}

func (c *memConn) Channel() (Channel, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if err := c.m.faultLocked(OpChannel); err != nil {
		return nil, err
	}
	ch := &memChannel{m: c.m, consumers: make(map[string]*memConsumer)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *memConn) Close() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
	return c.m.faultLocked(OpClose)
}

type memChannel struct {
	m         *Memory
	closed    bool
	consumers map[string]*memConsumer
}

var errChannelClosed = errors.New("channel/connection is not open")

func (ch *memChannel) begin(op string) error {
	if ch.closed {
		return errChannelClosed
	}
	return ch.m.faultLocked(op)
}

func (ch *memChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.m.mu.Lock()
	defer ch.m.mu.Unlock()
	if err := ch.begin(OpExchangeDeclare); err != nil {
		return err
	}
	if prev, ok := ch.m.exchanges[name]; ok && prev != kind {
		return fmt.Errorf("PRECONDITION_FAILED - exchange '%s' declared as %s", name, prev)
	}
	ch.m.exchanges[name] = kind
	return nil
}

func (ch *memChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.m.mu.Lock()
	defer ch.m.mu.Unlock()
	if err := ch.begin(OpQueueDeclare); err != nil {
		return amqp.Queue{}, err
	}
	q, ok := ch.m.queues[name]
	if !ok {
		q = &memQueue{name: name, autoDelete: autoDelete}
		ch.m.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.backlog), Consumers: len(q.consumers)}, nil
}

func (ch *memChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.m.mu.Lock()
	defer ch.m.mu.Unlock()
	if err := ch.begin(OpQueueBind); err != nil {
		return err
	}
	if _, ok := ch.m.queues[name]; !ok {
		return fmt.Errorf("NOT_FOUND - no queue '%s'", name)
	}
	if _, ok := ch.m.exchanges[exchange]; !ok {
		return fmt.Errorf("NOT_FOUND - no exchange '%s'", exchange)
	}
	b := Binding{Queue: name, Exchange: exchange, Key: key}
	for _, existing := range ch.m.bindings {
		if existing == b {
			return nil
		}
	}
	ch.m.bindings = append(ch.m.bindings, b)
	return nil
}

func (ch *memChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	ch.m.mu.Lock()
	defer ch.m.mu.Unlock()
	if err := ch.begin(OpQueueUnbind); err != nil {
		return err
	}
	if _, ok := ch.m.queues[name]; !ok {
		return fmt.Errorf("NOT_FOUND - no queue '%s'", name)
	}
	b := Binding{Queue: name, Exchange: exchange, Key: key}
	for i, existing := range ch.m.bindings {
		if existing == b {
			ch.m.bindings = append(ch.m.bindings[:i], ch.m.bindings[i+1:]...)
			break
		}
	}
	return nil
}

func (ch *memChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	ch.m.mu.Lock()
	defer ch.m.mu.Unlock()
	if err := ch.begin(OpQueueDelete); err != nil {
		return 0, err
	}
	return ch.m.deleteQueueLocked(name), nil
}

func (ch *memChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.m.mu.Lock()
	defer ch.m.mu.Unlock()
	if err := ch.begin(OpPublish); err != nil {
		return err
	}
	_, err := ch.m.publishLocked(exchange, key, msg)
	return err
}

func (ch *memChannel) Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.m.mu.Lock()
	defer ch.m.mu.Unlock()
	if err := ch.begin(OpConsume); err != nil {
		return nil, err
	}
	q, ok := ch.m.queues[queue]
	if !ok {
		return nil, fmt.Errorf("NOT_FOUND - no queue '%s'", queue)
	}
	if _, dup := ch.consumers[consumerTag]; dup {
		return nil, fmt.Errorf("NOT_ALLOWED - duplicate consumer tag '%s'", consumerTag)
	}
	c := &memConsumer{tag: consumerTag, queue: queue, ch: make(chan amqp.Delivery, ch.m.bufSize), owner: ch}
	q.consumers = append(q.consumers, c)
	q.hadConsumer = true
	ch.consumers[consumerTag] = c
	for _, d := range q.backlog {
		select {
		case c.ch <- d:
		default:
			ch.m.dropped++
		}
	}
	q.backlog = nil
	return c.ch, nil
}

func (ch *memChannel) Cancel(consumerTag string, noWait bool) error {
	ch.m.mu.Lock()
	defer ch.m.mu.Unlock()
	if err := ch.begin(OpCancel); err != nil {
		return err
	}
	if c, ok := ch.consumers[consumerTag]; ok {
		ch.m.cancelLocked(c)
	}
	return nil
}

func (ch *memChannel) Close() error {
	ch.m.mu.Lock()
	defer ch.m.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return ch.m.faultLocked(OpClose)
}

func (ch *memChannel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	for _, c := range ch.consumers {
		ch.m.cancelLocked(c)
	}
}
