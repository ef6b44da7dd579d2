package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap/zaptest"
)

// staller 让指定操作阻塞一次，模拟卡住的 broker
type staller struct {
	mu    sync.Mutex
	op    string
	delay time.Duration
}

func (s *staller) arm(op string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.op, s.delay = op, delay
}

func (s *staller) wait(op string) {
	s.mu.Lock()
	hit := s.op == op
	delay := s.delay
	if hit {
		s.op = ""
	}
	s.mu.Unlock()
	if hit {
		time.Sleep(delay)
	}
}

type stallConn struct {
	Connection
	st *staller
}

func (c stallConn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return stallChannel{Channel: ch, st: c.st}, nil
}

type stallChannel struct {
	Channel
	st *staller
}

func (c stallChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.st.wait(OpQueueDeclare)
	return c.Channel.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (c stallChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	c.st.wait(OpQueueDelete)
	return c.Channel.QueueDelete(name, ifUnused, ifEmpty, noWait)
}

func connectStalling(t *testing.T, m *Memory, st *staller) *Session {
	t.Helper()
	dial := func(url string) (Connection, error) {
		conn, err := m.Dial(url)
		if err != nil {
			return nil, err
		}
		return stallConn{Connection: conn, st: st}, nil
	}
	s, err := Connect(context.Background(), dial, "mem://", Options{
		PlayerID: testPlayer,
		Zone:     "forest",
		Logger:   zaptest.NewLogger(t).Sugar(),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.SubscribeAll(func(Delivery) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background(), "", nil) })
	return s
}

func rebindWithin(t *testing.T, s *Session, timeout time.Duration) (time.Duration, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	start := time.Now()
	err := s.Rebind(ctx, "forest", "desert")
	return time.Since(start), err
}

func TestRebindReturnsAtDeadlineAndRollsBack(t *testing.T) {
	m := NewMemory()
	st := &staller{}
	s := connectStalling(t, m, st)

	st.arm(OpQueueDeclare, 300*time.Millisecond)
	took, err := rebindWithin(t, s, 50*time.Millisecond)
	if took > 250*time.Millisecond {
		t.Fatalf("rebind blocked for %s past its deadline", took)
	}
	var re *RebindError
	if !errors.As(err, &re) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline RebindError, got %v", err)
	}

	// Zone 与后台步骤共用锁，返回时回滚已完成
	if z := s.Zone(); z != "forest" {
		t.Fatalf("zone after timed-out rebind = %q", z)
	}
	if m.HasQueue(TransferQueue("desert", testPlayer)) {
		t.Fatalf("new transfer queue should be rolled back")
	}
	if !m.HasQueue(TransferQueue("forest", testPlayer)) {
		t.Fatalf("old transfer queue must survive")
	}

	if _, err := rebindWithin(t, s, 2*time.Second); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if s.Zone() != "desert" || m.HasQueue(TransferQueue("forest", testPlayer)) {
		t.Fatalf("retry should move the transfer queue, zone=%q", s.Zone())
	}
}

func TestRebindCompletedAfterDeadlineIsIdempotent(t *testing.T) {
	m := NewMemory()
	st := &staller{}
	s := connectStalling(t, m, st)

	st.arm(OpQueueDelete, 300*time.Millisecond)
	took, err := rebindWithin(t, s, 50*time.Millisecond)
	if took > 250*time.Millisecond || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("rebind took %s err=%v", took, err)
	}

	// 拆除已开始，后台照常提交
	if z := s.Zone(); z != "desert" {
		t.Fatalf("zone after late completion = %q", z)
	}
	if _, err := rebindWithin(t, s, 2*time.Second); err != nil {
		t.Fatalf("retrying a rebind that completed late should succeed: %v", err)
	}
	if err := s.Rebind(context.Background(), "mountain", "desert"); err == nil {
		t.Fatalf("unrelated source zone must still be rejected")
	}
}
