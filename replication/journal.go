package replication

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"zonelink/wire"
)

// 日志方向
const (
	DirIn  = "in"
	DirOut = "out"
)

var (
	ErrJournalClosed = errors.New("journal closed")
	ErrJournalFull   = errors.New("journal queue full")
)

// JournalEntry 每条收发消息一行 JSONL
type JournalEntry struct {
	TS   time.Time       `json:"ts"`
	Dir  string          `json:"dir"`
	Key  string          `json:"key"`
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Journal 按小时滚动的 zstd 压缩 JSONL 收发记录。
// Record 只做编码与非阻塞入队，落盘在独立的写协程中完成；nil *Journal 的方法为空操作。
type Journal struct {
	baseDir string
	prefix  string
	now     func() time.Time

	queue   chan JournalEntry
	stop    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Int64
	once    sync.Once

	// 以下只在写协程中访问
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	err     error
}

func NewJournal(baseDir string) *Journal {
	j := &Journal{
		baseDir: baseDir,
		prefix:  "envelopes",
		now:     time.Now,
		queue:   make(chan JournalEntry, 1024),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

// Record 记录一条消息；队列满时丢弃，不阻塞调用方
func (j *Journal) Record(dir, key string, env wire.Envelope) error {
	if j == nil {
		return nil
	}
	if j.closed.Load() {
		return ErrJournalClosed
	}
	body, err := wire.Encode(env)
	if err != nil {
		return err
	}
	e := JournalEntry{TS: j.now().UTC(), Dir: dir, Key: key, Kind: kindName(env), Body: body}
	select {
	case j.queue <- e:
		return nil
	default:
		j.dropped.Add(1)
		return ErrJournalFull
	}
}

// Dropped 因队列满而丢弃的条数
func (j *Journal) Dropped() int64 {
	if j == nil {
		return 0
	}
	return j.dropped.Load()
}

// Close 写完已入队的记录后关闭文件
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.once.Do(func() {
		j.closed.Store(true)
		close(j.stop)
	})
	<-j.done
	return j.err
}

func (j *Journal) run() {
	defer close(j.done)
	for {
		select {
		case e := <-j.queue:
			j.writeBatch(e)
		case <-j.stop:
			for {
				select {
				case e := <-j.queue:
					j.writeBatch(e)
				default:
					if err := j.closeFile(); err != nil && j.err == nil {
						j.err = err
					}
					return
				}
			}
		}
	}
}

// writeBatch 写入 e 以及已排队的后续记录，然后整体刷到磁盘
func (j *Journal) writeBatch(e JournalEntry) {
	j.write(e)
	for n := len(j.queue); n > 0; n-- {
		j.write(<-j.queue)
	}
	if j.w == nil {
		return
	}
	if err := j.w.Flush(); err != nil {
		j.fail(err)
		return
	}
	// 编码器刷出后记录才落盘
	if err := j.enc.Flush(); err != nil {
		j.fail(err)
	}
}

func (j *Journal) write(e JournalEntry) {
	hour := e.TS.Format("2006-01-02-15")
	if hour != j.curHour {
		if err := j.rotate(hour); err != nil {
			j.fail(err)
			return
		}
	}
	b, err := json.Marshal(e)
	if err != nil {
		j.fail(err)
		return
	}
	b = append(b, '\n')
	if _, err := j.w.Write(b); err != nil {
		j.fail(err)
	}
}

func (j *Journal) fail(err error) {
	if j.err == nil {
		j.err = err
	}
}

func (j *Journal) rotate(hour string) error {
	if err := j.closeFile(); err != nil {
		return err
	}
	if err := os.MkdirAll(j.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	j.f = f
	j.enc = enc
	j.w = bufio.NewWriterSize(enc, 64*1024)
	j.curHour = hour
	return nil
}

func (j *Journal) closeFile() error {
	var err1 error
	if j.w != nil {
		_ = j.w.Flush()
	}
	if j.enc != nil {
		err1 = j.enc.Close()
		j.enc = nil
	}
	if j.f != nil {
		_ = j.f.Close()
		j.f = nil
	}
	j.w = nil
	j.curHour = ""
	return err1
}

func (j *Journal) pathForHour(hour string) string {
	return filepath.Join(j.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", j.prefix, hour))
}

// ReadJournal 解压并解析一个日志文件
func ReadJournal(path string) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []JournalEntry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var e JournalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("journal line %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
	// 仍在写入的文件没有帧尾
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return out, err
	}
	return out, nil
}

func kindName(env wire.Envelope) string {
	switch env.(type) {
	case wire.MovementBatch:
		return "movement_batch"
	case wire.Movement:
		return "movement"
	default:
		return env.Kind().String()
	}
}
