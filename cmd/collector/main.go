package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	svc "github.com/kardianos/service"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"agentwire/telemetry/pkg/config"
	"agentwire/telemetry/pkg/event"
	"agentwire/telemetry/pkg/message"
	"agentwire/telemetry/pkg/pipeline"
	"agentwire/telemetry/pkg/server"
	"agentwire/telemetry/pkg/sink"
	"agentwire/telemetry/pkg/stats"
)

var version = "0.1.0"

// serverSlot lets the config watcher swap the broadcast server for a new
// endpoint without rebuilding the pipeline.
type serverSlot struct {
	mu  sync.Mutex
	srv *server.Server
}

func (s *serverSlot) current() *server.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv
}

func (s *serverSlot) swap(next *server.Server) *server.Server {
	s.mu.Lock()
	prev := s.srv
	s.srv = next
	s.mu.Unlock()
	return prev
}

func (s *serverSlot) Open() error { return nil }

func (s *serverSlot) Process(m message.Message) error { return s.current().Send(m) }

func (s *serverSlot) Close() error { return s.current().Close() }

type collector struct {
	cfgPath string
	cfg     config.CollectorConfig
	slot    *serverSlot
	pipe    *pipeline.Pipeline
	sampler *stats.Sampler
	stop    chan struct{}
}

func newCollector(cfgPath string, cfg config.CollectorConfig) *collector {
	return &collector{cfgPath: cfgPath, cfg: cfg, slot: &serverSlot{}, stop: make(chan struct{})}
}

func (c *collector) run(ctx context.Context) error {
	srv := server.New(c.cfg.Descriptor(), nil)
	c.slot.swap(srv)

	fileSink := sink.NewFile(c.cfg.SinkPath, c.cfg.SinkMaxSizeMB, c.cfg.SinkMaxBackups, c.cfg.SinkMaxAgeDays)
	c.pipe = pipeline.New(pipeline.SinkProcessor{Sink: fileSink}, c.slot)
	if err := c.pipe.Open(); err != nil {
		return fmt.Errorf("open sink: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		_ = c.pipe.Close()
		return err
	}
	log.Printf("collector %s listening on %s (await_first_peer=%v, sink=%s)",
		version, srv.Addr(), c.cfg.AwaitFirstPeer, c.cfg.SinkPath)

	c.sampler = stats.New(time.Duration(c.cfg.StatsIntervalSec)*time.Second, func(st *event.HostStats) {
		c.pipe.Publish(st)
	})
	c.sampler.Start()

	if c.cfgPath != "" {
		go c.watchConfig(ctx)
	}

	select {
	case <-ctx.Done():
	case <-c.stop:
	}
	c.sampler.Stop()
	if err := c.pipe.Close(); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Printf("collector stopped")
	return nil
}

func (c *collector) shutdown() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

// watchConfig mirrors the hot-reload idiom of the config watcher: on a
// write to the config file, reload it and restart the broadcast server
// when the endpoint changed. The sink stays up across the swap.
func (c *collector) watchConfig(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("watcher error: %v", err)
		return
	}
	defer w.Close()
	abs, err := filepath.Abs(c.cfgPath)
	if err != nil {
		return
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		log.Printf("watch add error: %v", err)
		return
	}
	last := time.Now()
	for {
		select {
		case ev := <-w.Events:
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || filepath.Base(ev.Name) != filepath.Base(abs) {
				continue
			}
			if time.Since(last) < 500*time.Millisecond {
				continue
			}
			last = time.Now()
			next, err := config.LoadCollectorConfig(abs)
			if err != nil {
				log.Printf("reload config failed: %v", err)
				continue
			}
			if next.Descriptor() == c.cfg.Descriptor() {
				continue
			}
			srv := server.New(next.Descriptor(), nil)
			if err := srv.Start(context.Background()); err != nil {
				log.Printf("reload: start on %s failed: %v; keeping old endpoint", next.Descriptor().Addr(), err)
				continue
			}
			prev := c.slot.swap(srv)
			if prev != nil {
				_ = prev.Close()
			}
			c.cfg = next
			log.Printf("config reloaded: now listening on %s", srv.Addr())
		case err := <-w.Errors:
			log.Printf("watch error: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

// ---- Service integration ----

type program struct {
	c      *collector
	cancel context.CancelFunc
}

func (p *program) Start(s svc.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() {
		if err := p.c.run(ctx); err != nil {
			log.Printf("collector: %v", err)
		}
	}()
	return nil
}

func (p *program) Stop(s svc.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.c.shutdown()
	return nil
}

func handleServiceCmd(cmd, name string, c *collector) error {
	cfg := &svc.Config{
		Name:        name,
		DisplayName: name,
		Description: "Agent telemetry collector",
		Option:      map[string]interface{}{"Restart": "on-failure", "RunAtLoad": true, "StartType": "automatic"},
	}
	s, err := svc.New(&program{c: c}, cfg)
	if err != nil {
		return err
	}
	switch strings.ToLower(cmd) {
	case "install":
		return s.Install()
	case "uninstall":
		return s.Uninstall()
	case "start":
		return s.Start()
	case "stop":
		return s.Stop()
	case "run":
		return s.Run()
	default:
		return fmt.Errorf("unknown service command: %s", cmd)
	}
}

func main() {
	var cfgPath string
	var svcCmd string
	var svcName string
	flag.StringVar(&cfgPath, "config", "config/collector.json", "collector config file (json), priority: file > env > default")
	flag.StringVar(&svcCmd, "service", "", "service control: install|uninstall|start|stop|run")
	flag.StringVar(&svcName, "svcname", "AgentwireCollector", "service name")
	flag.Parse()

	setupLogging("collector")

	cfg, err := config.LoadCollectorConfig(cfgPath)
	if err != nil {
		log.Printf("config load warning: %v", err)
		cfg, _ = config.LoadCollectorConfig("")
	}
	c := newCollector(cfgPath, cfg)

	if svcCmd != "" {
		if err := handleServiceCmd(svcCmd, svcName, c); err != nil {
			log.Fatalf("service %s failed: %v", svcCmd, err)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := c.run(ctx); err != nil {
		log.Fatalf("collector: %v", err)
	}
}

// setupLogging configures rotating file logs at logs/collector.log and also
// writes to stdout.
func setupLogging(app string) {
	exe, _ := os.Executable()
	base := filepath.Dir(exe)
	dir := filepath.Join(base, "logs")
	_ = os.MkdirAll(dir, 0o755)
	file := filepath.Join(dir, app+".log")
	maxSize := getEnvInt("AGENTWIRE_LOG_MAX_SIZE_MB", 20)
	maxBackups := getEnvInt("AGENTWIRE_LOG_MAX_BACKUPS", 5)
	maxAge := getEnvInt("AGENTWIRE_LOG_MAX_AGE_DAYS", 7)
	w := &lumberjack.Logger{Filename: file, MaxSize: maxSize, MaxBackups: maxBackups, MaxAge: maxAge, Compress: false}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(io.MultiWriter(os.Stdout, w))
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return def
}
