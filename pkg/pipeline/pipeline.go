package pipeline

import (
	"log"
	"sync"

	"agentwire/telemetry/pkg/event"
	"agentwire/telemetry/pkg/message"
	"agentwire/telemetry/pkg/server"
	"agentwire/telemetry/pkg/sink"
)

// Processor is one fan-out target of the telemetry stream. The sink and
// the broadcast server both satisfy it through the adapters below.
type Processor interface {
	Open() error
	Process(message.Message) error
	Close() error
}

// Run identifies one agent execution. It is passed explicitly to Emit so
// event handlers know which run produced an event without any ambient
// global state.
type Run struct {
	ID       string
	AgentID  string
	Strategy string
}

// NewRun mints a run scope with a fresh correlation id.
func NewRun(agentID, strategy string) Run {
	return Run{ID: event.NewRunID(), AgentID: agentID, Strategy: strategy}
}

// Pipeline fans each published message out to every processor. Processors
// are independent: one failing is logged and never blocks the others or
// the publisher.
type Pipeline struct {
	mu    sync.Mutex
	procs []Processor
}

func New(procs ...Processor) *Pipeline {
	return &Pipeline{procs: procs}
}

// Attach adds a processor. Call before Open.
func (p *Pipeline) Attach(proc Processor) {
	p.mu.Lock()
	p.procs = append(p.procs, proc)
	p.mu.Unlock()
}

func (p *Pipeline) snapshot() []Processor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Processor(nil), p.procs...)
}

// Open opens every processor; the first failure aborts and closes the ones
// already opened.
func (p *Pipeline) Open() error {
	opened := make([]Processor, 0)
	for _, proc := range p.snapshot() {
		if err := proc.Open(); err != nil {
			for _, o := range opened {
				_ = o.Close()
			}
			return err
		}
		opened = append(opened, proc)
	}
	return nil
}

// Publish delivers one message to every processor. Fire-and-forget for the
// caller: individual processor failures are isolated and logged.
func (p *Pipeline) Publish(m message.Message) {
	for _, proc := range p.snapshot() {
		if err := proc.Process(m); err != nil {
			log.Printf("telemetry pipeline: processor failed on %s: %v", m.Kind(), err)
		}
	}
}

// Emit stamps the run scope onto the event and publishes it.
func (p *Pipeline) Emit(run Run, m message.Message) {
	if e, ok := m.(interface{ SetRunID(string) }); ok {
		e.SetRunID(run.ID)
	}
	p.Publish(m)
}

// Close closes every processor, keeping going past failures.
func (p *Pipeline) Close() error {
	var first error
	for _, proc := range p.snapshot() {
		if err := proc.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SinkProcessor adapts a *sink.Sink to the Processor interface.
type SinkProcessor struct{ Sink *sink.Sink }

func (s SinkProcessor) Open() error                     { return s.Sink.Open() }
func (s SinkProcessor) Process(m message.Message) error { return s.Sink.Write(m) }
func (s SinkProcessor) Close() error                    { return s.Sink.Close() }

// ServerProcessor adapts a *server.Server. Open is a no-op: the server's
// Start has its own await semantics and stays with the caller.
type ServerProcessor struct{ Server *server.Server }

func (s ServerProcessor) Open() error                     { return nil }
func (s ServerProcessor) Process(m message.Message) error { return s.Server.Send(m) }
func (s ServerProcessor) Close() error                    { return s.Server.Close() }
