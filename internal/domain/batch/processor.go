package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/icdmap/icdmap/internal/domain/icd"
	"github.com/icdmap/icdmap/internal/platform/events"
)

var (
	ErrNoCodes      = errors.New("no codes to process")
	ErrTooManyCodes = errors.New("too many codes")
	ErrQueueFull    = errors.New("batch queue is full")
)

// CodeProcessor runs a single raw code through the conversion pipeline.
type CodeProcessor interface {
	ProcessCode(ctx context.Context, raw, system string) (*icd.CodeReport, error)
}

// CodeObserver is told the outcome of every persisted code.
type CodeObserver interface {
	ObserveCode(status string)
}

// Config bounds the processor.
type Config struct {
	Workers        int           // concurrent jobs
	QueueSize      int           // jobs waiting for a worker
	MaxCodes       int           // codes per job
	PublishTimeout time.Duration // per event
	Observer       CodeObserver
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxCodes <= 0 {
		c.MaxCodes = 5000
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

// Processor runs batch jobs on a fixed pool of workers. Codes within a job
// are processed in order and each result is persisted before the next code
// starts, so an interrupted job resumes at Processed. A job ID is held in
// at most one queue slot or worker at a time.
type Processor struct {
	repo   Repository
	codes  CodeProcessor
	events events.Publisher
	log    zerolog.Logger
	cfg    Config
	queue  chan uuid.UUID
	wg     sync.WaitGroup
	now    func() time.Time

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

// NewProcessor creates a processor. pub may be nil.
func NewProcessor(repo Repository, codes CodeProcessor, pub events.Publisher, cfg Config, log zerolog.Logger) *Processor {
	if pub == nil {
		pub = events.Nop{}
	}
	cfg = cfg.withDefaults()
	return &Processor{
		repo:   repo,
		codes:  codes,
		events: pub,
		log:    log.With().Str("component", "batch").Logger(),
		cfg:    cfg,
		queue:  make(chan uuid.UUID, cfg.QueueSize),
		now:    func() time.Time { return time.Now().UTC() },
		active: make(map[uuid.UUID]struct{}),
	}
}

// MaxCodes is the per-job code limit.
func (p *Processor) MaxCodes() int { return p.cfg.MaxCodes }

// QueueDepth is the number of jobs waiting for a worker.
func (p *Processor) QueueDepth() int { return len(p.queue) }

// claim marks id as queued. It reports false if id is already queued or
// running.
func (p *Processor) claim(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[id]; ok {
		return false
	}
	p.active[id] = struct{}{}
	return true
}

func (p *Processor) release(id uuid.UUID) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

// Start launches the workers. They exit when ctx is cancelled; jobs in
// flight at that point stay in processing and are picked up by Resume.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-p.queue:
					p.run(ctx, id)
					p.release(id)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Submit persists a pending job and queues it. If the queue is full the job
// is recorded as failed and ErrQueueFull is returned along with it.
func (p *Processor) Submit(ctx context.Context, userID, filename, system string, codes []string) (*Job, error) {
	if _, ok := icd.ParseSystem(system); !ok {
		return nil, fmt.Errorf("%w %q", icd.ErrUnsupportedSystem, system)
	}
	codes = cleanCodes(codes)
	if len(codes) == 0 {
		return nil, ErrNoCodes
	}
	if len(codes) > p.cfg.MaxCodes {
		return nil, fmt.Errorf("%w: %d exceeds limit of %d", ErrTooManyCodes, len(codes), p.cfg.MaxCodes)
	}

	job := NewJob(userID, filename, system, codes)
	if err := p.repo.Create(ctx, job); err != nil {
		return nil, err
	}
	p.publish(ctx, events.JobCreated, job)

	p.claim(job.ID)
	select {
	case p.queue <- job.ID:
	default:
		p.release(job.ID)
		now := p.now()
		if err := p.repo.Finish(ctx, job.ID, StatusFailed, ErrQueueFull.Error(), now); err != nil {
			p.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to reject job")
		}
		_ = job.Transition(StatusFailed, now)
		job.Error = ErrQueueFull.Error()
		p.publish(ctx, events.JobFailed, job)
		return job, ErrQueueFull
	}
	return job, nil
}

// Resume queues every pending or processing job that is not already queued
// or running. It blocks while the queue is full, so call it after Start.
func (p *Processor) Resume(ctx context.Context) (int, error) {
	jobs, err := p.repo.ListResumable(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if !p.claim(job.ID) {
			continue
		}
		select {
		case p.queue <- job.ID:
			n++
		case <-ctx.Done():
			p.release(job.ID)
			return n, ctx.Err()
		}
	}
	if n > 0 {
		p.log.Info().Int("jobs", n).Msg("resumed batch jobs")
	}
	return n, nil
}

func (p *Processor) run(ctx context.Context, id uuid.UUID) {
	log := p.log.With().Str("job_id", id.String()).Logger()

	job, err := p.repo.GetByID(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("load batch job")
		return
	}
	if job.Status.Terminal() {
		return
	}
	if job.Status == StatusPending {
		now := p.now()
		if err := p.repo.MarkProcessing(ctx, id, now); err != nil {
			p.fail(ctx, job, err)
			return
		}
		_ = job.Transition(StatusProcessing, now)
		p.publish(ctx, events.JobStarted, job)
	}

	for _, raw := range job.Remaining() {
		if ctx.Err() != nil {
			log.Info().Int("processed", job.Processed).Msg("batch job interrupted")
			return
		}
		rep, err := p.codes.ProcessCode(ctx, raw, job.System)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("code", raw).Msg("batch code failed")
			rep = &icd.CodeReport{Input: raw, Status: icd.StatusError, Error: err.Error()}
		}
		if err := p.repo.AppendResult(ctx, id, job.Processed, rep); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrStaleProgress) {
				log.Warn().Int("processed", job.Processed).Msg("batch job advanced elsewhere")
				return
			}
			p.fail(ctx, job, fmt.Errorf("persist result: %w", err))
			return
		}
		job.Record(rep)
		if p.cfg.Observer != nil {
			p.cfg.Observer.ObserveCode(string(rep.Status))
		}
	}

	now := p.now()
	if err := p.repo.Finish(ctx, id, StatusCompleted, "", now); err != nil {
		if ctx.Err() == nil {
			p.fail(ctx, job, err)
		}
		return
	}
	_ = job.Transition(StatusCompleted, now)
	log.Info().
		Int("total", job.Total).
		Int("succeeded", job.Succeeded).
		Int("failed", job.Failed).
		Msg("batch job completed")
	p.publish(ctx, events.JobCompleted, job)
}

// fail records the job as failed even when ctx is already done.
func (p *Processor) fail(ctx context.Context, job *Job, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := p.now()
	msg := cause.Error()
	if err := p.repo.Finish(ctx, job.ID, StatusFailed, msg, now); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("mark batch job failed")
		return
	}
	_ = job.Transition(StatusFailed, now)
	job.Error = msg
	p.log.Error().Err(cause).Str("job_id", job.ID.String()).Msg("batch job failed")
	p.publish(ctx, events.JobFailed, job)
}

type jobEvent struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"userId"`
	Status    Status    `json:"status"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
}

func (p *Processor) publish(ctx context.Context, typ string, job *Job) {
	ev := events.Event{
		Type: typ,
		Key:  job.ID.String(),
		Payload: jobEvent{
			ID:        job.ID,
			UserID:    job.UserID,
			Status:    job.Status,
			Total:     job.Total,
			Processed: job.Processed,
			Succeeded: job.Succeeded,
			Failed:    job.Failed,
			Error:     job.Error,
		},
		Time: p.now(),
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PublishTimeout)
	defer cancel()
	if err := p.events.Publish(ctx, ev); err != nil {
		p.log.Warn().Err(err).Str("event", typ).Msg("publish batch event")
	}
}

func cleanCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
