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
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"agentwire/telemetry/pkg/client"
	"agentwire/telemetry/pkg/config"
	"agentwire/telemetry/pkg/event"
	"agentwire/telemetry/pkg/message"
	"agentwire/telemetry/pkg/server"
)

func main() {
	setupLogging("observer")

	cc, _ := config.LoadObserverConfig("")
	defURL := cc.ServerURL
	if defURL == "" {
		defURL = server.DefaultDescriptor().URL()
	}
	serverURL := flag.String("server", defURL, "collector ws url (env AGENTWIRE_SERVER_URL or config/observer.json)")
	token := flag.String("token", cc.Token, "auth token (env AGENTWIRE_TOKEN or config)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// watch observer.json and reconnect when server url or token change
	reconnectCh := make(chan struct{}, 1)
	go watchObserverConfig(ctx, reconnectCh)

	curURL, curToken := *serverURL, *token
	retryTimeout := time.Duration(cc.RetryTimeoutSec) * time.Second
	for ctx.Err() == nil {
		if err := observe(ctx, curURL, curToken, cc.DNSServers, retryTimeout); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("disconnected: %v; retry in 3s", err)
			select {
			case <-reconnectCh:
				nc, _ := config.LoadObserverConfig("")
				if nc.ServerURL != "" {
					curURL = nc.ServerURL
				}
				if nc.Token != "" {
					curToken = nc.Token
				}
			default:
			}
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
			}
		}
	}
}

// observe runs one connection: dial with retry, then drain the inbox until
// the stream ends.
func observe(ctx context.Context, url, token string, dnsServers []string, retryTimeout time.Duration) error {
	reg := message.NewRegistry()
	event.RegisterAll(reg)
	sub := client.New(url, client.Options{Token: token, DNSServers: dnsServers, Registry: reg})
	defer sub.Close()

	if err := sub.ConnectWithRetry(ctx, retryTimeout); err != nil {
		return err
	}
	log.Printf("connected to %s", url)

	for {
		next, cancelNext := context.WithTimeout(ctx, time.Second)
		m, err := sub.Next(next)
		cancelNext()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !sub.IsConnected() && sub.Pending() == 0 {
				return fmt.Errorf("stream ended (skipped %d frames)", sub.Skipped())
			}
			continue
		}
		logMessage(m)
	}
}

func logMessage(m message.Message) {
	switch v := m.(type) {
	case *message.StringMessage:
		log.Printf("[%s] %s", v.Kind(), v.Payload)
	case *event.HostStats:
		log.Printf("[%s] %s cpu=%.1f%% mem=%.1f%% (%d MB)", v.Kind(), v.Hostname, v.CPUPercent, v.MemPercent, v.MemUsedMB)
	case *event.AgentStarted:
		log.Printf("[%s] run=%s agent=%s strategy=%s", v.Kind(), v.RunID, v.AgentID, v.Strategy)
	case *event.AgentFinished:
		log.Printf("[%s] run=%s agent=%s", v.Kind(), v.RunID, v.AgentID)
	default:
		log.Printf("[%s] ts=%d", m.Kind(), m.Time())
	}
}

func watchObserverConfig(ctx context.Context, reconnectCh chan struct{}) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer w.Close()
	abs, _ := filepath.Abs(config.DefaultObserverConfigPath())
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return
	}
	last := time.Now()
	for {
		select {
		case ev := <-w.Events:
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 && filepath.Base(ev.Name) == filepath.Base(abs) {
				if time.Since(last) < 500*time.Millisecond {
					continue
				}
				last = time.Now()
				select {
				case reconnectCh <- struct{}{}:
				default:
				}
			}
		case <-w.Errors:
		case <-ctx.Done():
			return
		}
	}
}

func setupLogging(app string) {
	exe, _ := os.Executable()
	base := filepath.Dir(exe)
	dir := filepath.Join(base, "logs")
	_ = os.MkdirAll(dir, 0o755)
	file := filepath.Join(dir, app+".log")
	w := &lumberjack.Logger{Filename: file, MaxSize: 20, MaxBackups: 5, MaxAge: 7}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(io.MultiWriter(os.Stdout, w))
}
