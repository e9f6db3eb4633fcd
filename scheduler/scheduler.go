package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dex_aggregator/metrics"
	"dex_aggregator/middleware"
)

var ErrAlreadyRunning = errors.New("scheduler already running")

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

type State int32

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	default:
		return "stopped"
	}
}

// Scheduler runs a job on a fixed interval. A tick that arrives while the
// previous run is still in flight is skipped, never queued.
type Scheduler struct {
	name string
	log  *zap.SugaredLogger

	mu       sync.Mutex
	state    atomic.Int32
	stop     chan struct{}
	loopDone chan struct{}
	jobs     sync.WaitGroup
	inFlight atomic.Bool

	runs    atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

func New(name string, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{name: name, log: log.With("scheduler", name)}
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Start begins ticking. The first run happens one interval after Start.
func (s *Scheduler) Start(interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", interval)
	}
	if job == nil {
		return errors.New("nil job")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == Running {
		return ErrAlreadyRunning
	}

	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.state.Store(int32(Running))

	ticker := time.NewTicker(interval)
	go s.loop(ticker, job, s.stop, s.loopDone)

	s.log.Infow("Scheduler started", "interval", interval)
	return nil
}

// Stop halts the ticker and waits for an in-flight run to finish. Calling
// Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != Running {
		return
	}

	close(s.stop)
	<-s.loopDone
	s.jobs.Wait()
	s.state.Store(int32(Stopped))

	s.log.Infow("Scheduler stopped",
		"runs", s.runs.Load(),
		"skipped", s.skipped.Load(),
		"failed", s.failed.Load())
}

// Stats returns completed, skipped and failed run counts.
func (s *Scheduler) Stats() (runs, skipped, failed int64) {
	return s.runs.Load(), s.skipped.Load(), s.failed.Load()
}

func (s *Scheduler) loop(ticker *time.Ticker, job Job, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick(job)
		}
	}
}

func (s *Scheduler) tick(job Job) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		metrics.SchedulerTick("skipped")
		s.log.Warnw("Previous run still in flight, skipping tick")
		return
	}

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		defer s.inFlight.Store(false)

		start := time.Now()
		err := middleware.Recover(s.log, s.name, func() error {
			return job(context.Background())
		})
		s.runs.Add(1)
		if err != nil {
			s.failed.Add(1)
			metrics.SchedulerTick("failed")
			s.log.Errorw("Scheduled run failed", "error", err, "duration", time.Since(start))
			return
		}
		metrics.SchedulerTick("ok")
		s.log.Debugw("Scheduled run completed", "duration", time.Since(start))
	}()
}
