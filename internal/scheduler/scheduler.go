package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/logging"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Job is one periodic driver.
type Job struct {
	Name         string
	Every        time.Duration
	InitialDelay time.Duration
	Run          func(ctx context.Context) error
}

// Scheduler runs each job on its own interval. A run that is still going
// when the next tick fires is skipped, and panics are recovered.
type Scheduler struct {
	cron   *cron.Cron
	chain  cron.Chain
	tracer trace.Tracer
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]cron.Job
	delays  map[string]time.Duration
	timers  []*time.Timer
	pending sync.WaitGroup
}

func New(tracer trace.Tracer, log *zap.Logger) *Scheduler {
	cl := logging.CronLogger{L: log.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl)),
		chain:  cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		tracer: tracer,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		jobs:   map[string]cron.Job{},
		delays: map[string]time.Duration{},
	}
}

func (s *Scheduler) Add(job Job) error {
	if job.Every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	wrapped := s.chain.Then(cron.FuncJob(func() { s.run(job) }))
	s.cron.Schedule(cron.Every(job.Every), wrapped)
	s.jobs[job.Name] = wrapped
	if job.InitialDelay > 0 {
		s.delays[job.Name] = job.InitialDelay
	}
	s.log.Info("job registered", zap.String("job", job.Name), zap.Duration("every", job.Every), zap.Duration("initial_delay", job.InitialDelay))
	return nil
}

// Start begins ticking and arms the one-off initial runs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, delay := range s.delays {
		wrapped := s.jobs[name]
		s.pending.Add(1)
		t := time.AfterFunc(delay, func() {
			defer s.pending.Done()
			if s.ctx.Err() != nil {
				return
			}
			wrapped.Run()
		})
		s.timers = append(s.timers, t)
	}
	s.cron.Start()
}

// Trigger runs a job now through the same skip/recover chain. It returns
// false for an unknown job.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	wrapped, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		wrapped.Run()
	}()
	return true
}

// Stop cancels the job context and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	for _, t := range s.timers {
		if t.Stop() {
			s.pending.Done()
		}
	}
	s.timers = nil
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.pending.Wait()
}

func (s *Scheduler) run(job Job) {
	if s.ctx.Err() != nil {
		return
	}
	ctx, span := s.tracer.Start(s.ctx, "job."+job.Name, trace.WithAttributes(attribute.String("job.name", job.Name)))
	defer span.End()

	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("job failed", zap.String("job", job.Name), zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}
	s.log.Debug("job finished", zap.String("job", job.Name), zap.Duration("elapsed", elapsed))
}
