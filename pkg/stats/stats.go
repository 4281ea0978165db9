package stats

import (
	"log"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"agentwire/telemetry/pkg/event"
)

// Sampler periodically publishes a host_stats event so observers can see
// the agent host's load alongside the run events.
type Sampler struct {
	interval time.Duration
	publish  func(*event.HostStats)
	stop     chan struct{}
	done     chan struct{}
}

// New builds a sampler; interval <= 0 disables it (Start becomes a no-op).
func New(interval time.Duration, publish func(*event.HostStats)) *Sampler {
	return &Sampler{
		interval: interval,
		publish:  publish,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Sampler) Start() {
	if s.interval <= 0 {
		close(s.done)
		return
	}
	go s.loop()
}

func (s *Sampler) loop() {
	defer close(s.done)
	hostname, _ := os.Hostname()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st, err := sample(hostname)
			if err != nil {
				log.Printf("stats: sample failed: %v", err)
				continue
			}
			s.publish(st)
		case <-s.stop:
			return
		}
	}
}

// Stop halts the loop and waits for it to finish. Idempotent enough for
// the daemon's single shutdown path.
func (s *Sampler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func sample(hostname string) (*event.HostStats, error) {
	// cpu.Percent(0) compares against the previous call, so the first tick
	// reports 0; acceptable for a periodic gauge.
	var cpuPct float64
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	return event.NewHostStats(hostname, cpuPct, vm.UsedPercent, vm.Used/1024/1024, runtime.NumGoroutine()), nil
}
