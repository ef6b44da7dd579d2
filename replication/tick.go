package replication

import (
	"context"
	"time"
)

const (
	// DefaultFrameInterval 宿主模拟帧间隔（约 60 FPS）
	DefaultFrameInterval = 16 * time.Millisecond

	stopTimeout = 5 * time.Second
)

// Loop 单协程驱动协调器：其他协程只能通过 Submit 投递命令
type Loop struct {
	c     *Coordinator
	frame time.Duration
	cmds  chan func(*Coordinator)

	// OnFrame 每帧在 Step 之前执行，宿主在此推进本地模拟
	OnFrame func(now time.Time)
}

func NewLoop(c *Coordinator, frame time.Duration) *Loop {
	if frame <= 0 {
		frame = DefaultFrameInterval
	}
	return &Loop{
		c:     c,
		frame: frame,
		cmds:  make(chan func(*Coordinator), 64),
	}
}

// Submit 非阻塞投递，队列满时丢弃并返回 false
func (l *Loop) Submit(fn func(*Coordinator)) bool {
	select {
	case l.cmds <- fn:
		return true
	default:
		return false
	}
}

// Run 阻塞直到 ctx 结束，随后发送 Leave 并关闭会话
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.frame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			return l.c.Stop(stopCtx)
		case <-ticker.C:
			l.Frame(l.c.now())
		}
	}
}

// Frame 推进一帧：命令 → 宿主回调 → Step
func (l *Loop) Frame(now time.Time) {
	start := time.Now()
	l.runCommands()
	if l.OnFrame != nil {
		l.OnFrame(now)
	}
	l.c.Step(now)
	l.c.metrics.AddFrame(time.Since(start).Nanoseconds())
}

// runCommands 非阻塞 drain，只处理本帧开始前已到达的命令
func (l *Loop) runCommands() {
	for n := len(l.cmds); n > 0; n-- {
		select {
		case fn := <-l.cmds:
			fn(l.c)
		default:
			return
		}
	}
}
