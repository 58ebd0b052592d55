package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobFunc is the body of a periodic job
type JobFunc func(ctx context.Context)

// JobInfo describes a registered periodic job
type JobInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	LastRun time.Time `json:"last_run,omitempty"`
	NextRun time.Time `json:"next_run,omitempty"`
	Runs    int       `json:"runs"`
}

// CronScheduler runs named periodic maintenance jobs such as snapshots and
// health sweeps
type CronScheduler struct {
	logger *zap.Logger
	cron   *cron.Cron
	parser cron.Parser
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	jobs map[string]*cronJob
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewCronScheduler creates a job scheduler. Specs use six fields with
// seconds, and descriptors such as "@every 30s".
func NewCronScheduler(logger *zap.Logger) *CronScheduler {
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cronOptions := []cron.Option{
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		cron.WithLogger(cronLogger),
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CronScheduler{
		logger: logger.Named("cron"),
		cron:   cron.New(cronOptions...),
		parser: parser,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*cronJob),
	}
}

// Start starts running jobs
func (s *CronScheduler) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()
	s.cron.Start()
	s.logger.Info("Started job scheduler", zap.Int("jobs", len(s.List())))
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *CronScheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// AddJob registers fn under name, replacing any job with the same name
func (s *CronScheduler) AddJob(name, spec string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old.entryID)
	}

	job := &cronJob{scheduler: s, name: name, spec: spec, fn: fn}
	entryID, err := s.cron.AddJob(spec, job)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	job.entryID = entryID
	s.jobs[name] = job

	s.logger.Info("Added job",
		zap.String("name", name),
		zap.String("spec", spec))
	return nil
}

// RemoveJob unregisters a job
func (s *CronScheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	s.cron.Remove(job.entryID)
	delete(s.jobs, name)

	s.logger.Info("Removed job", zap.String("name", name))
	return nil
}

// RunNow runs a job immediately on the calling goroutine
func (s *CronScheduler) RunNow(name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	job.Run()
	return nil
}

// List returns the registered jobs sorted by name
func (s *CronScheduler) List() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for _, job := range s.jobs {
		info := job.info()
		info.NextRun = s.cron.Entry(job.entryID).Next
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// cronJob implements cron.Job interface
type cronJob struct {
	scheduler *CronScheduler
	name      string
	spec      string
	fn        JobFunc
	entryID   cron.EntryID

	mu      sync.Mutex
	lastRun time.Time
	runs    int
}

func (j *cronJob) info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobInfo{Name: j.name, Spec: j.spec, LastRun: j.lastRun, Runs: j.runs}
}

// Run implements cron.Job
func (j *cronJob) Run() {
	start := time.Now()
	j.fn(j.scheduler.ctx)

	j.mu.Lock()
	j.lastRun = start
	j.runs++
	j.mu.Unlock()

	j.scheduler.logger.Debug("Executed job",
		zap.String("name", j.name),
		zap.Duration("took", time.Since(start)))
}
