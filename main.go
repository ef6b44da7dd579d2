package main

import (
	"context"
	"errors"
	"flag"
	"math"
	"math/rand"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"zonelink/broker"
	"zonelink/replication"
	"zonelink/wire"
)

// zonelink 入口：无界面客户端，加入区域并按 Tick 复制本地状态
func main() {
	var (
		cfgPath   string
		brokerURL string
		zone      string
		name      string
		playerID  string
		adminAddr string
		logFile   string
		logLevel  string
		journal   string
	)
	flag.StringVar(&cfgPath, "config", "", "path to client.yaml (defaults when empty)")
	flag.StringVar(&brokerURL, "broker", "", "broker url, amqp://... or mem:// for an in-process broker")
	flag.StringVar(&zone, "zone", "", "initial zone")
	flag.StringVar(&name, "name", "player", "display name")
	flag.StringVar(&playerID, "id", "", "player id (random 12 digits when empty)")
	flag.StringVar(&adminAddr, "admin", "", "admin HTTP listen address, e.g. :8080")
	flag.StringVar(&logFile, "log", "", "log file path")
	flag.StringVar(&logLevel, "level", "", "log level")
	flag.StringVar(&journal, "journal", "", "directory for the zstd envelope journal")
	flag.Parse()

	cfg, err := replication.LoadConfig(cfgPath)
	if err != nil {
		panic(err)
	}
	override(&cfg.BrokerURL, brokerURL)
	override(&cfg.DefaultZone, strings.ToLower(zone))
	override(&cfg.AdminAddr, adminAddr)
	override(&cfg.LogFile, logFile)
	override(&cfg.LogLevel, logLevel)
	override(&cfg.JournalDir, journal)
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	log, err := replication.NewLogger(cfg.LogFile, cfg.LogLevel, true)
	if err != nil {
		panic(err)
	}
	defer replication.SyncLogger(log)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	identity := replication.NewPlayerIdentity(name, rng)
	if playerID != "" {
		identity.ID = playerID
	}
	spawn := cfg.Zone(cfg.DefaultZone)
	state := &wanderer{origin: spawn.Spawn, yaw: spawn.Yaw}

	dial := broker.DialAMQP
	if strings.HasPrefix(cfg.BrokerURL, "mem://") {
		dial = broker.NewMemory().Dial
	}

	var opts []replication.Option
	var j *replication.Journal
	if cfg.JournalDir != "" {
		j = replication.NewJournal(cfg.JournalDir)
		defer j.Close()
		opts = append(opts, replication.WithJournal(j))
	}
	var hub *replication.Hub
	opts = append(opts, replication.WithSnapshotSink(func(s replication.Snapshot) { hub.Broadcast(s) }))

	sc := replication.SessionContext{Identity: identity, Zone: cfg.DefaultZone, State: state}
	connect := replication.BrokerConnector(dial, cfg.BrokerURL, identity.ID, cfg.Exchanges, log)
	c, err := replication.NewCoordinator(sc, cfg, connect, log, opts...)
	if err != nil {
		log.Fatalw("create coordinator", "error", err)
	}
	loop := replication.NewLoop(c, cfg.FrameInterval())
	hub = replication.NewHub(loop, log)
	defer hub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		// 降级为单机：本地模拟继续运行
		log.Warnw("running without replication", "error", err)
	}

	var srv *http.Server
	if cfg.AdminAddr != "" {
		srv = &http.Server{Addr: cfg.AdminAddr, Handler: replication.NewAdmin(c, loop, hub, log).Routes()}
		go func() {
			log.Infof("admin listening on %s", cfg.AdminAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("admin server", "error", err)
			}
		}()
	}

	loop.OnFrame = func(now time.Time) {
		if anim, changed := state.advance(now); changed {
			if err := c.SendAnimation(anim); err != nil {
				log.Debugw("animation not sent", "error", err)
			}
		}
	}

	log.Infow("zonelink client started", "player", identity.ID, "name", identity.DisplayName, "zone", cfg.DefaultZone)
	if err := loop.Run(ctx); err != nil {
		log.Warnw("leave incomplete", "error", err)
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	log.Info("Shutting down...")
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// wanderer 演示用本地状态：绕出生点慢速画圆，周期性切换跑/走
type wanderer struct {
	origin wire.Vec3
	yaw    float64
	pos    wire.Vec3
	start  time.Time
	anim   wire.AnimationKind
}

func (w *wanderer) Position() wire.Vec3 { return w.pos }
func (w *wanderer) RotationY() float64  { return w.yaw }

func (w *wanderer) advance(now time.Time) (wire.AnimationKind, bool) {
	if w.start.IsZero() {
		w.start = now
		w.pos = w.origin
	}
	t := now.Sub(w.start).Seconds()
	w.pos = wire.Vec3{
		X: w.origin.X + 5*math.Cos(t/4),
		Y: w.origin.Y,
		Z: w.origin.Z + 5*math.Sin(t/4),
	}
	w.yaw = math.Mod(t/4*180/math.Pi+90, 360)

	anim := wire.AnimIdle
	if int(t)%10 < 6 {
		anim = wire.AnimRun
	}
	if anim == w.anim {
		return anim, false
	}
	w.anim = anim
	return anim, true
}
