package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ffbatch/cache"
	"ffbatch/config"
)

// Admitter is the resource gate consulted before each task starts.
type Admitter interface {
	Admit(ctx context.Context) (allowed bool, reason string)
}

// Reserver optionally reserves an estimated memory cost per task type.
type Reserver interface {
	Reserve(kind string) (release func(), ok bool, reason string)
}

// ResultCache stores outputs of successful tasks.
type ResultCache interface {
	Get(key string) (cache.Entry, bool)
	Put(key string, e cache.Entry)
	Remove(key string)
}

// ReportSink records exported reports somewhere durable.
type ReportSink interface {
	SaveReport(ctx context.Context, r *Report, path string) error
}

type admitAll struct{}

func (admitAll) Admit(context.Context) (bool, string) { return true, "" }

type Option func(*Manager)

func WithAdmitter(a Admitter) Option { return func(m *Manager) { m.admit = a } }
func WithReserver(r Reserver) Option { return func(m *Manager) { m.reserve = r } }
func WithCache(c ResultCache) Option { return func(m *Manager) { m.cache = c } }
func WithReportSink(s ReportSink) Option { return func(m *Manager) { m.sink = s } }
func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.log = l } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Manager owns every job and task of one scheduler instance and runs the
// worker pool and the housekeeper over them.
type Manager struct {
	cfg     *config.Config
	log     zerolog.Logger
	builder CommandBuilder
	runner  Transcoder
	admit   Admitter
	reserve Reserver
	cache   ResultCache
	sink    ReportSink
	now     func() time.Time

	retry *RetryPolicy
	deps  *Resolver
	queue *Scheduler
	agg   *Aggregator
	keep  *Housekeeper
	stats counters

	mu    sync.RWMutex
	jobs  map[string]*Job
	tasks map[string]*Task

	wg sync.WaitGroup
}

func NewManager(cfg *config.Config, builder CommandBuilder, runner Transcoder, opts ...Option) (*Manager, error) {
	if cfg.MaxConcurrentTasks < 1 {
		return nil, fmt.Errorf("max concurrent tasks must be at least 1, got %d", cfg.MaxConcurrentTasks)
	}
	m := &Manager{
		cfg:     cfg,
		log:     log.Logger.With().Str("component", "scheduler").Logger(),
		builder: builder,
		runner:  runner,
		admit:   admitAll{},
		now:     time.Now,
		retry:   NewRetryPolicy(cfg),
		deps:    NewResolver(),
		jobs:    make(map[string]*Job),
		tasks:   make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.queue = NewScheduler(m.deps, cfg.PollInterval, m.drop)
	m.queue.now = m.now
	m.agg = NewAggregator(m.deps, m.queue.Wake, m.log)
	m.agg.now = m.now
	m.keep = newHousekeeper(m)

	m.agg.Subscribe(m.stats.observe)
	if cfg.AutoExport {
		m.agg.Subscribe(m.autoExport)
	}
	return m, nil
}

// Start launches the worker pool and the housekeeper. Cancelling ctx stops
// dispatch; tasks already running finish first. Use Wait to block until the
// pool has drained.
func (m *Manager) Start(ctx context.Context) {
	m.log.Info().Int("workers", m.cfg.MaxConcurrentTasks).Msg("task manager started")
	for i := 1; i <= m.cfg.MaxConcurrentTasks; i++ {
		m.wg.Add(1)
		go m.workerLoop(ctx, i)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.keep.Run(ctx)
	}()
}

// Wait blocks until every worker and the housekeeper have exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Subscribe registers a listener for task and job events.
func (m *Manager) Subscribe(l Listener) {
	m.agg.Subscribe(l)
}

// SubmitJob validates a job and enqueues its tasks. Nothing is enqueued when
// validation fails.
func (m *Manager) SubmitJob(spec JobSpec) (JobView, error) {
	if spec.Name == "" {
		return JobView{}, fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if len(spec.Tasks) == 0 {
		return JobView{}, fmt.Errorf("%w: job has no tasks", ErrInvalidJob)
	}

	now := m.now()
	j := newJob(uuid.NewString(), spec.Name, now)

	ids := make(map[string]bool, len(spec.Tasks))
	graph := make(map[string][]string, len(spec.Tasks))
	tasks := make([]*Task, 0, len(spec.Tasks))
	for i, ts := range spec.Tasks {
		t, err := m.newTask(j, ts, now)
		if err != nil {
			return JobView{}, fmt.Errorf("%w: task %d: %v", ErrInvalidJob, i, err)
		}
		if ids[t.ID] {
			return JobView{}, fmt.Errorf("%w: duplicate task id %s", ErrInvalidJob, t.ID)
		}
		ids[t.ID] = true
		graph[t.ID] = t.Dependencies
		tasks = append(tasks, t)
	}
	if err := checkAcyclic(graph); err != nil {
		return JobView{}, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	for _, t := range tasks {
		if _, err := m.builder.Build(t); err != nil {
			return JobView{}, fmt.Errorf("%w: task %s: %v", ErrInvalidJob, t.ID, err)
		}
	}

	m.mu.Lock()
	for _, t := range tasks {
		if _, dup := m.tasks[t.ID]; dup {
			m.mu.Unlock()
			return JobView{}, fmt.Errorf("%w: task id %s already exists", ErrInvalidJob, t.ID)
		}
		for _, d := range t.Dependencies {
			if ids[d] {
				continue
			}
			if _, known := m.tasks[d]; !known {
				m.mu.Unlock()
				return JobView{}, fmt.Errorf("%w: task %s depends on unknown task %s", ErrInvalidJob, t.ID, d)
			}
		}
	}
	j.tasks = tasks
	m.jobs[j.ID] = j
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	m.mu.Unlock()

	m.stats.submitted.Add(int64(len(tasks)))
	m.log.Info().Str("job", j.ID).Str("name", j.Name).Int("tasks", len(tasks)).Msg("job submitted")

	view := j.View()
	for _, t := range tasks {
		m.queue.Submit(t)
	}
	return view, nil
}

func (m *Manager) newTask(j *Job, ts TaskSpec, now time.Time) (*Task, error) {
	if ts.Type == "" {
		return nil, fmt.Errorf("type is required")
	}
	if ts.InputPath == "" {
		return nil, fmt.Errorf("input path is required")
	}
	id := ts.ID
	if id == "" {
		id = shortuuid.New()
	}
	prio := ts.Priority
	if prio == 0 {
		prio = PriorityNormal
	}
	if _, ok := priorityNames[prio]; !ok {
		return nil, fmt.Errorf("invalid priority %d", int(prio))
	}
	maxRetries := m.cfg.MaxRetries
	if ts.MaxRetries != nil {
		if *ts.MaxRetries < 0 {
			return nil, fmt.Errorf("max retries must not be negative")
		}
		maxRetries = *ts.MaxRetries
	}

	t := &Task{
		ID:           id,
		JobID:        j.ID,
		Type:         ts.Type,
		InputPath:    ts.InputPath,
		OutputPath:   ts.OutputPath,
		Params:       ts.Params,
		Priority:     prio,
		Status:       StatusPending,
		Dependencies: append([]string(nil), ts.Dependencies...),
		MaxRetries:   maxRetries,
		CreatedAt:    now,
		rt:           &runtime{job: j},
	}
	return t, nil
}

// Job returns a view of a job still held in memory.
func (m *Manager) Job(id string) (JobView, error) {
	j, err := m.lookupJob(id)
	if err != nil {
		return JobView{}, err
	}
	return j.View(), nil
}

// Jobs lists in-memory jobs, oldest first.
func (m *Manager) Jobs() []JobView {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	return views
}

// Task returns a view of one task.
func (m *Manager) Task(id string) (Task, error) {
	m.mu.RLock()
	t, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	j := t.job()
	j.mu.Lock()
	defer j.mu.Unlock()
	return t.view(), nil
}

// WaitJob blocks until the job is terminal or ctx ends.
func (m *Manager) WaitJob(ctx context.Context, id string) (JobView, error) {
	j, err := m.lookupJob(id)
	if err != nil {
		return JobView{}, err
	}
	select {
	case <-j.Done():
		return j.View(), nil
	case <-ctx.Done():
		return j.View(), ctx.Err()
	}
}

// CancelJob stops dispatch of the job's pending tasks and kills its running
// ones.
func (m *Manager) CancelJob(id string) error {
	j, err := m.lookupJob(id)
	if err != nil {
		return err
	}

	j.mu.Lock()
	if j.status != JobRunning {
		st := j.status
		j.mu.Unlock()
		return fmt.Errorf("%w job in state: %s", ErrNotCancelable, st)
	}
	j.cancelled.Store(true)
	var cancels []context.CancelFunc
	for _, t := range j.tasks {
		if t.Status == StatusRunning && t.rt.cancel != nil {
			cancels = append(cancels, t.rt.cancel)
		}
	}
	j.mu.Unlock()

	m.log.Info().Str("job", id).Int("running", len(cancels)).Msg("job cancellation requested")
	for _, cancel := range cancels {
		cancel()
	}
	for _, t := range m.queue.Remove(func(t *Task) bool { return t.rt.job == j }) {
		m.agg.Complete(t, Outcome{Status: StatusCancelled, Reason: "cancelled"})
	}
	return nil
}

// CancelTask cancels one pending or running task.
func (m *Manager) CancelTask(id string) error {
	m.mu.RLock()
	t, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	j := t.job()
	j.mu.Lock()
	if t.Status.Terminal() {
		st := t.Status
		j.mu.Unlock()
		return fmt.Errorf("%w task in state: %s", ErrNotCancelable, st)
	}
	t.rt.cancelRequested.Store(true)
	cancel := t.rt.cancel
	running := t.Status == StatusRunning
	j.mu.Unlock()

	if running && cancel != nil {
		cancel()
		m.log.Info().Str("task", id).Msg("cancellation signal sent to running task")
		return nil
	}
	for _, qt := range m.queue.Remove(func(q *Task) bool { return q == t }) {
		m.agg.Complete(qt, Outcome{Status: StatusCancelled, Reason: "cancelled"})
	}
	return nil
}

// Stats returns counters and live gauges.
func (m *Manager) Stats() Stats {
	s := m.stats.snapshot()
	s.Queued = m.queue.Len()
	m.mu.RLock()
	s.Jobs = len(m.jobs)
	m.mu.RUnlock()
	return s
}

func (m *Manager) lookupJob(id string) (*Job, error) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

// drop finalizes a task the queue refused to dispatch.
func (m *Manager) drop(d Drop) {
	m.agg.Complete(d.Task, Outcome{Status: d.Status, Reason: d.Reason})
}

// jobsSnapshot returns the current job pointers.
func (m *Manager) jobsSnapshot() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	return jobs
}

// forgetLocked removes a finished job and its tasks from the registry and
// returns the task ids. The caller holds m.mu.
func (m *Manager) forgetLocked(j *Job) []string {
	ids := make([]string, 0, len(j.tasks))
	for _, t := range j.tasks {
		ids = append(ids, t.ID)
		delete(m.tasks, t.ID)
	}
	delete(m.jobs, j.ID)
	return ids
}
