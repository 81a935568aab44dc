package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/CZERTAINLY/Penkit/internal/log"
	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/CZERTAINLY/Penkit/internal/module"
)

// Job is a recurring run of a configured module. Exactly one of Cron and
// Every must be set.
type Job struct {
	Name   string
	Module module.Module
	Cron   string
	Every  time.Duration
}

// Run is the outcome of one job execution
type Run struct {
	Job    string
	Start  time.Time
	End    time.Time
	Output module.Output
	Err    error
}

// Scheduler runs jobs and hands every successful scan to the sinks. A job
// never runs concurrently with itself, a run which would overlap the
// previous one is rescheduled.
type Scheduler struct {
	sched gocron.Scheduler
	sinks []model.Sink
	// runs receives every Run when not nil
	runs chan<- Run

	mx   sync.Mutex
	ctx  context.Context
	jobs map[string]uuid.UUID
}

type Option func(*Scheduler)

// WithRuns sends the outcome of every job execution to ch. The scheduler
// blocks until ch is read or the context is done.
func WithRuns(ch chan<- Run) Option {
	return func(s *Scheduler) { s.runs = ch }
}

func NewScheduler(sinks []model.Sink, opts ...Option) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	s := &Scheduler{
		sched: sched,
		sinks: sinks,
		ctx:   context.Background(),
		jobs:  make(map[string]uuid.UUID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func definition(j Job) (gocron.JobDefinition, error) {
	switch {
	case j.Cron != "" && j.Every != 0:
		return nil, fmt.Errorf("job %s: both cron and every are set", j.Name)
	case j.Cron != "":
		if _, err := ParseCron(j.Cron); err != nil {
			return nil, fmt.Errorf("job %s: parsing cron: %w", j.Name, err)
		}
		return gocron.CronJob(j.Cron, false), nil
	case j.Every > 0:
		return gocron.DurationJob(j.Every), nil
	default:
		return nil, fmt.Errorf("job %s: both cron and every are empty", j.Name)
	}
}

// Add schedules a job, a job with the same name is replaced
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" {
		return errors.New("job name is empty")
	}
	if j.Module == nil {
		return fmt.Errorf("job %s: module is nil", j.Name)
	}
	def, err := definition(j)
	if err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if id, ok := s.jobs[j.Name]; ok {
		if err := s.sched.RemoveJob(id); err != nil {
			return fmt.Errorf("job %s: removing previous definition: %w", j.Name, err)
		}
		delete(s.jobs, j.Name)
	}
	gj, err := s.sched.NewJob(
		def,
		gocron.NewTask(s.run, j),
		gocron.WithName(j.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("job %s: initializing gocron job: %w", j.Name, err)
	}
	s.jobs[j.Name] = gj.ID()
	return nil
}

// Replace removes all jobs and adds the given ones. Jobs which fail to be
// added are reported, the others are scheduled.
func (s *Scheduler) Replace(jobs []Job) error {
	s.mx.Lock()
	for name, id := range s.jobs {
		if err := s.sched.RemoveJob(id); err != nil {
			slog.Warn("removing job failed", "job_name", name, "error", err)
		}
	}
	clear(s.jobs)
	s.mx.Unlock()

	var errs []error
	for _, j := range jobs {
		errs = append(errs, s.Add(j))
	}
	return errors.Join(errs...)
}

// Jobs returns names of scheduled jobs sorted
func (s *Scheduler) Jobs() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return slices.Sorted(maps.Keys(s.jobs))
}

// NextRun returns the next run time of a job
func (s *Scheduler) NextRun(name string) (time.Time, error) {
	s.mx.Lock()
	id, ok := s.jobs[name]
	s.mx.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("job %s not found", name)
	}
	for _, j := range s.sched.Jobs() {
		if j.ID() == id {
			return j.NextRun()
		}
	}
	return time.Time{}, fmt.Errorf("job %s not found", name)
}

// RunNow triggers a job outside of its schedule
func (s *Scheduler) RunNow(name string) error {
	s.mx.Lock()
	id, ok := s.jobs[name]
	s.mx.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	for _, j := range s.sched.Jobs() {
		if j.ID() == id {
			return j.RunNow()
		}
	}
	return fmt.Errorf("job %s not found", name)
}

// Do starts the scheduler and blocks until ctx is done. Then it waits for
// running jobs and closes the sinks implementing model.SinkCloser.
func (s *Scheduler) Do(ctx context.Context) error {
	s.mx.Lock()
	s.ctx = ctx
	s.mx.Unlock()

	slog.DebugContext(ctx, "starting a scheduler", "jobs", s.Jobs())
	s.sched.Start()
	<-ctx.Done()

	err := s.sched.Shutdown()
	if err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	for _, sink := range s.sinks {
		if closer, ok := sink.(model.SinkCloser); ok {
			if cerr := closer.Close(); cerr != nil {
				slog.ErrorContext(ctx, "closing sink has failed", "error", cerr)
			}
		}
	}
	return err
}

func (s *Scheduler) run(j Job) {
	s.mx.Lock()
	ctx := s.ctx
	s.mx.Unlock()
	ctx = log.ContextAttrs(ctx, slog.String("job_name", j.Name), slog.String("module", j.Module.Name()))

	r := Run{Job: j.Name, Start: time.Now()}
	slog.InfoContext(ctx, "scheduled scan started")
	r.Output, r.Err = j.Module.Clone().Run(ctx)
	r.End = time.Now()
	if r.Err != nil {
		slog.ErrorContext(ctx, "scheduled scan failed", "error", r.Err)
	} else {
		slog.InfoContext(ctx, "scheduled scan finished", "duration", r.End.Sub(r.Start).String())
		if err := s.save(ctx, j.Module.Name(), r.Output.Scan); err != nil {
			slog.ErrorContext(ctx, "saving scan result failed", "error", err)
		}
	}

	if s.runs != nil {
		select {
		case s.runs <- r:
		case <-ctx.Done():
		}
	}
}

func (s *Scheduler) save(ctx context.Context, tool string, sr model.ScanResult) error {
	var errs []error
	for _, sink := range s.sinks {
		errs = append(errs, sink.Save(ctx, tool, sr))
	}
	return errors.Join(errs...)
}
