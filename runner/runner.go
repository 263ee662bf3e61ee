package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mailtext/config"
	"github.com/dhcgn/mailtext/content"
	"github.com/dhcgn/mailtext/filter"
	"github.com/dhcgn/mailtext/model"
	"github.com/dhcgn/mailtext/state"
	"github.com/dhcgn/mailtext/stats"
)

type StageFunc func(context.Context) error

// Sink receives every decoded message that passed the filters.
type Sink interface {
	Write(ctx context.Context, msg model.Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg model.Message) error

func (f SinkFunc) Write(ctx context.Context, msg model.Message) error {
	return f(ctx, msg)
}

type namedSink struct {
	name string
	sink Sink
}

type namedStage struct {
	name string
	fn   StageFunc
}

type statsSubscriber struct {
	name   string
	fn     func(context.Context, <-chan stats.Event) error
	events chan stats.Event
}

type Runner struct {
	cfg        config.Config
	logger     *slog.Logger
	normalizer *content.Normalizer
	filter     *filter.Filter
	source     stats.Stage

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	decoded  chan model.Message
	events   chan stats.Event

	tracker   state.Tracker
	seen      sync.Map
	collector *stats.Collector

	sinkMu sync.Mutex
	sinks  []namedSink

	stageMu sync.Mutex
	stages  []namedStage

	subMu       sync.Mutex
	subscribers []statsSubscriber

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMailboxOnce sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

// New wires the decode stage. Sources are added with AddStage and write to
// MailboxWriter; sinks are added with AddSink before Start. Nothing runs
// until Start, which must be called once to release the state tracker.
func New(cfg config.Config, logger *slog.Logger, normalizer *content.Normalizer) (*Runner, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if normalizer == nil {
		normalizer = content.New()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	f, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return nil, err
	}

	tracker, err := state.NewFileTracker(cfg.StateDir, !cfg.DryRun)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:        cfg,
		logger:     logger,
		normalizer: normalizer,
		filter:     f,
		source:     stats.StageMbox,
		ctx:        ctx,
		cancel:     cancel,
		messages:   make(chan model.Envelope, 32),
		decoded:    make(chan model.Message, 32),
		events:     make(chan stats.Event, 128),
		tracker:    tracker,
		collector:  stats.NewCollector(),
	}
	if cfg.IMAPHost != "" {
		r.source = stats.StageIMAP
	}

	r.SubscribeStats("collector", func(ctx context.Context, events <-chan stats.Event) error {
		r.collector.Run(ctx, events)
		return nil
	})

	r.AddStage("decode", r.decode)
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

func (r *Runner) Filter() *filter.Filter {
	return r.filter
}

// Summary returns the counts collected so far; after Start returns it is final.
func (r *Runner) Summary() stats.Summary {
	return r.collector.Snapshot()
}

func (r *Runner) MailboxWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

// AddSink registers a consumer for decoded messages. A message is marked
// processed only after every sink accepted it.
func (r *Runner) AddSink(name string, sink Sink) {
	r.sinkMu.Lock()
	r.sinks = append(r.sinks, namedSink{name: name, sink: sink})
	r.sinkMu.Unlock()
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

// SubscribeStats registers fn to receive its own copy of the event stream
// once Start runs.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, statsSubscriber{name: name, fn: fn, events: make(chan stats.Event, 128)})
	r.subMu.Unlock()
}

// AddStage registers fn to run concurrently with the other stages once
// Start runs.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stageMu.Lock()
	r.stages = append(r.stages, namedStage{name: name, fn: fn})
	r.stageMu.Unlock()
}

func (r *Runner) runSubscriber(sub statsSubscriber) {
	defer r.statsWG.Done()
	err := sub.fn(r.ctx, sub.events)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.fail(fmt.Errorf("%s stats: %w", sub.name, err))
	}
	// keep the broadcaster from blocking on a subscriber that quit early
	for range sub.events {
	}
}

func (r *Runner) runStage(st namedStage) {
	defer r.workWG.Done()
	if err := st.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.fail(fmt.Errorf("%s stage: %w", st.name, err))
	}
}

// Stop cancels the pipeline; Start then returns context.Canceled.
func (r *Runner) Stop() {
	r.fail(context.Canceled)
}

// Start runs the sinks and blocks until every stage has finished.
func (r *Runner) Start() error {
	r.since = time.Now()
	r.AddStage("sink", r.dispatch)

	r.subMu.Lock()
	subs := append([]statsSubscriber(nil), r.subscribers...)
	r.subMu.Unlock()
	r.statsWG.Add(1 + len(subs))
	go r.broadcast(subs)
	for _, sub := range subs {
		go r.runSubscriber(sub)
	}

	r.stageMu.Lock()
	stages := append([]namedStage(nil), r.stages...)
	r.stageMu.Unlock()
	r.workWG.Add(len(stages))
	for _, st := range stages {
		go r.runStage(st)
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	if err := r.tracker.Close(); err != nil {
		r.fail(err)
	}

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

func (r *Runner) decode(ctx context.Context) error {
	defer close(r.decoded)

	errs := make(chan error, r.cfg.Workers)
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.decodeWorker(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) decodeWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: r.source, Type: stats.EventTypeError, Err: envelope.Err})
				continue
			}

			msg := envelope.Message
			r.EmitEvent(stats.Event{Stage: r.source, Type: stats.EventTypeScanned, MessageID: msg.ID})

			if r.duplicate(msg.Hash) {
				r.EmitEvent(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeDuplicate, MessageID: msg.ID})
				continue
			}

			msg = r.decodeMessage(msg)

			if !r.filter.Allows(msg.Header, msg.Text) {
				r.EmitEvent(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeFiltered, MessageID: msg.ID})
				continue
			}

			detail := "plain"
			if msg.Encoded {
				detail = "encoded"
			}
			r.EmitEvent(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeDecoded, MessageID: msg.ID, Detail: detail})
			for _, stage := range msg.Degraded {
				r.EmitEvent(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeDegraded, MessageID: msg.ID, Detail: stage})
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.decoded <- msg:
			}
		}
	}
}

// decodeMessage fills Text, Preview, Encoded and Degraded from Body.
func (r *Runner) decodeMessage(msg model.Message) model.Message {
	report := r.normalizer.DecodeReport(msg.Body)
	msg.Text = report.Text
	msg.Preview = content.PreviewText(report.Text, r.cfg.PreviewLength)
	msg.Encoded = r.normalizer.IsEncoded(msg.Body)

	msg.Degraded = report.DegradedStages()
	if len(msg.Degraded) > 0 {
		r.logger.Debug("message decoded with warnings", "id", msg.ID, "stages", msg.Degraded)
	}
	return msg
}

// duplicate reports whether hash was handled in an earlier run or already
// claimed by another worker in this one.
func (r *Runner) duplicate(hash string) bool {
	if hash == "" {
		return false
	}
	if r.tracker.AlreadyProcessed(hash) {
		return true
	}
	_, loaded := r.seen.LoadOrStore(hash, struct{}{})
	return loaded
}

func (r *Runner) dispatch(ctx context.Context) error {
	r.sinkMu.Lock()
	sinks := append([]namedSink(nil), r.sinks...)
	r.sinkMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.decoded:
			if !ok {
				return nil
			}

			for _, s := range sinks {
				if err := s.sink.Write(ctx, msg); err != nil {
					r.EmitEvent(stats.Event{Stage: stats.StageSink, Type: stats.EventTypeError, MessageID: msg.ID, Err: err, Detail: s.name})
					return fmt.Errorf("%s: %s: %w", s.name, msg.ID, err)
				}
				r.EmitEvent(stats.Event{Stage: stats.StageSink, Type: stats.EventTypeStored, MessageID: msg.ID, Detail: s.name})
			}

			if err := r.tracker.MarkProcessed(state.Record{
				Hash:      msg.Hash,
				MessageID: msg.ID,
				Encoded:   msg.Encoded,
				Degraded:  msg.Degraded,
			}); err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageSink, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
				return fmt.Errorf("mark processed: %w", err)
			}
		}
	}
}

// broadcast copies every event to all subscribers and closes their channels
// once the event stream is closed.
func (r *Runner) broadcast(subs []statsSubscriber) {
	defer r.statsWG.Done()
	defer func() {
		for _, sub := range subs {
			close(sub.events)
		}
	}()

	for evt := range r.events {
		for _, sub := range subs {
			select {
			case <-r.ctx.Done():
			case sub.events <- evt:
			}
		}
	}
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
