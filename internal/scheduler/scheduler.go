// Package scheduler runs the periodic logging call of every configuration,
// anchored to the configuration's creation time.
//
// Each configuration owns one entry moving through
//
//	Scheduled -> Running -> Scheduled ... -> Removed
//
// Entries are keyed by kind and configuration id. Replacing an entry always
// stops the old timer first, and a generation number on every entry keeps a
// stale timer from running a replaced configuration.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/telemetry-core/internal/cron"
	"github.com/sweeney/telemetry-core/internal/logic"
	"github.com/sweeney/telemetry-core/internal/metrics"
	"github.com/sweeney/telemetry-core/internal/reload"
)

// State is the lifecycle state of a schedule entry.
type State int

const (
	StateScheduled State = iota
	StateRunning
	// StateRemoved marks an entry dropped by a reload, a replacement or a
	// not-found response. Removed entries are no longer listed by Entries.
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Caller performs one logging call.
type Caller interface {
	Call(ctx context.Context, endpoint cron.Endpoint, configID string) (cron.Result, error)
}

// ConfigLoader reads the current configurations.
type ConfigLoader interface {
	LoadConfigs(ctx context.Context) (logic.ConfigSet, error)
}

// Timer is a stoppable pending callback. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// Job is one schedulable configuration.
type Job struct {
	Kind      logic.Kind
	ConfigID  string
	Name      string
	Endpoint  cron.Endpoint
	Interval  time.Duration
	CreatedAt time.Time
}

// Key identifies the job's schedule entry.
func (j Job) Key() string {
	return string(j.Kind) + "/" + j.ConfigID
}

// JobsFromConfigs builds the jobs for every logging and billing configuration.
// Billing configurations without their own interval use billInterval.
func JobsFromConfigs(set logic.ConfigSet, billInterval time.Duration) []Job {
	jobs := make([]Job, 0, len(set.Logging)+len(set.Billing))
	for _, l := range set.Logging {
		jobs = append(jobs, Job{
			Kind:      logic.KindLogging,
			ConfigID:  l.ID,
			Name:      l.Name,
			Endpoint:  cron.EndpointLogData,
			Interval:  logic.IntervalFromMinutes(l.IntervalMinutes, 0),
			CreatedAt: l.CreatedAt,
		})
	}
	for _, b := range set.Billing {
		jobs = append(jobs, Job{
			Kind:      logic.KindBilling,
			ConfigID:  b.ID,
			Name:      b.Name,
			Endpoint:  cron.EndpointBillLogger,
			Interval:  logic.IntervalFromMinutes(b.IntervalMinutes, billInterval),
			CreatedAt: b.CreatedAt,
		})
	}
	return jobs
}

// Options tunes the logging calls.
type Options struct {
	// Timeout bounds a single attempt. Default 30s.
	Timeout time.Duration
	// Retries after the first failed attempt. Default 2.
	Retries int
	// Backoff between attempts. Default 2s.
	Backoff time.Duration
	// BillInterval is used for billing configurations without an interval. Default 60m.
	BillInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = 2 * time.Second
	}
	if o.BillInterval <= 0 {
		o.BillInterval = 60 * time.Minute
	}
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	o := Options{Retries: 2}
	o.applyDefaults()
	return o
}

type entry struct {
	job   Job
	state State
	timer Timer
	gen   uint64
}

// Scheduler owns every schedule entry.
type Scheduler struct {
	caller  Caller
	loader  ConfigLoader
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) Timer
	sleep     func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	entries    map[string]*entry
	gen        uint64
	stopped    bool
	lastReload time.Time
}

// New creates an idle scheduler. Call Reload to load configurations.
func New(caller Caller, loader ConfigLoader, opts Options, m *metrics.Metrics, log zerolog.Logger) *Scheduler {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		caller:  caller,
		loader:  loader,
		opts:    opts,
		log:     log.With().Str("component", "scheduler").Logger(),
		metrics: m,
		now:     time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		sleep:   sleepCtx,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// Reload loads the configurations and replaces the schedule set.
// Entries whose configuration is gone are removed. Every present
// configuration is rescheduled from its anchor, changed or not.
// A failed load leaves the current schedules running.
func (s *Scheduler) Reload(ctx context.Context) error {
	set, err := s.loader.LoadConfigs(ctx)
	if err != nil {
		s.metrics.IncReloadError("scheduler")
		return fmt.Errorf("load configurations: %w", err)
	}
	s.Apply(JobsFromConfigs(set, s.opts.BillInterval))
	s.metrics.IncReload("scheduler")
	return nil
}

// Apply replaces the schedule set with jobs.
func (s *Scheduler) Apply(jobs []Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	present := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		present[j.Key()] = true
	}

	for key, e := range s.entries {
		if present[key] {
			continue
		}
		s.removeLocked(key, e)
		s.log.Info().Str("config_id", e.job.ConfigID).Str("config", e.job.Name).Msg("schedule removed")
	}

	for _, j := range jobs {
		s.scheduleLocked(j)
	}

	s.lastReload = s.now()
	s.metrics.SetSchedules(len(s.entries))
	s.log.Info().Int("schedules", len(s.entries)).Msg("schedules reloaded")
}

func (s *Scheduler) scheduleLocked(j Job) {
	key := j.Key()
	if old, ok := s.entries[key]; ok {
		s.removeLocked(key, old)
	}

	delay, err := logic.NextRunDelay(j.CreatedAt, s.now(), j.Interval)
	if err != nil {
		s.log.Warn().Err(err).Str("config_id", j.ConfigID).Str("config", j.Name).Msg("not scheduled")
		return
	}

	s.gen++
	e := &entry{job: j, state: StateScheduled, gen: s.gen}
	e.timer = s.afterFunc(delay, s.fireFunc(key, e.gen))
	s.entries[key] = e

	s.log.Debug().Str("config_id", j.ConfigID).Str("config", j.Name).Dur("interval", j.Interval).Dur("first_run_in", delay).Msg("scheduled")
}

// removeLocked stops e and drops it from the entries. An in-flight run of e
// sees StateRemoved and does not re-arm.
func (s *Scheduler) removeLocked(key string, e *entry) {
	e.timer.Stop()
	e.state = StateRemoved
	delete(s.entries, key)
}

func (s *Scheduler) fireFunc(key string, gen uint64) func() {
	return func() { s.fire(key, gen) }
}

// fire runs the job of entry key if the entry is still generation gen, then
// arms the next run one interval from now.
func (s *Scheduler) fire(key string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	e.state = StateRunning
	job := e.job
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	err := s.run(job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if e.state == StateRemoved || s.stopped {
		// Replaced or removed while running.
		return
	}
	if errors.Is(err, cron.ErrConfigNotFound) {
		s.removeLocked(key, e)
		s.metrics.SetSchedules(len(s.entries))
		s.log.Info().Str("config_id", job.ConfigID).Str("config", job.Name).Msg("configuration deleted, schedule removed")
		return
	}
	e.state = StateScheduled
	e.timer = s.afterFunc(job.Interval, s.fireFunc(key, gen))
}

// run performs one logging cycle: up to 1+Retries attempts.
func (s *Scheduler) run(job Job) error {
	start := s.now()
	attempts := 1 + s.opts.Retries
	log := s.log.With().Str("config_id", job.ConfigID).Str("config", job.Name).Str("endpoint", string(job.Endpoint)).Logger()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		s.metrics.IncLoggingAttempt()

		ctx, cancel := context.WithTimeout(s.ctx, s.opts.Timeout)
		var res cron.Result
		res, err = s.caller.Call(ctx, job.Endpoint, job.ConfigID)
		cancel()

		if err == nil {
			s.metrics.ObserveLoggingCall(string(job.Endpoint), metrics.OutcomeSuccess, s.now().Sub(start).Seconds())
			log.Info().Int("logged", res.Logged).Int("attempt", attempt).Msg("logging call completed")
			return nil
		}
		if errors.Is(err, cron.ErrConfigNotFound) {
			s.metrics.ObserveLoggingCall(string(job.Endpoint), metrics.OutcomeNotFound, s.now().Sub(start).Seconds())
			return err
		}
		if s.ctx.Err() != nil {
			return err
		}
		if attempt < attempts {
			log.Debug().Err(err).Int("attempt", attempt).Msg("logging call failed, retrying")
			if serr := s.sleep(s.ctx, s.opts.Backoff); serr != nil {
				return err
			}
		}
	}

	s.metrics.ObserveLoggingCall(string(job.Endpoint), metrics.OutcomeFailure, s.now().Sub(start).Seconds())
	log.Error().Err(err).Int("attempts", attempts).Msg("logging call failed, skipping cycle")
	return err
}

// Run reloads whenever flag is raised, checked on every tick, until ctx is done.
// A failed reload raises the flag again. Timers are stopped on return.
func (s *Scheduler) Run(ctx context.Context, tick <-chan time.Time, flag *reload.Flag) {
	defer s.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if !flag.Consume() {
				continue
			}
			if err := s.Reload(ctx); err != nil {
				flag.Set()
				s.log.Error().Err(err).Msg("reload failed, keeping current schedules until the next tick")
			}
		}
	}
}

// Stop clears every timer, cancels in-flight calls and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for key, e := range s.entries {
		s.removeLocked(key, e)
	}
	s.metrics.SetSchedules(0)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// EntryStatus describes one schedule entry.
type EntryStatus struct {
	Key      string
	Name     string
	Endpoint cron.Endpoint
	Interval time.Duration
	State    State
}

// Entries returns the current entries sorted by key.
func (s *Scheduler) Entries() []EntryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryStatus, 0, len(s.entries))
	for key, e := range s.entries {
		out = append(out, EntryStatus{
			Key:      key,
			Name:     e.job.Name,
			Endpoint: e.job.Endpoint,
			Interval: e.job.Interval,
			State:    e.state,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of live entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// LastReload returns when the schedule set was last replaced.
func (s *Scheduler) LastReload() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReload
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
