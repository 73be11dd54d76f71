// Package scheduler реализует планировщик отложенных одноразовых задач
// поверх долговременного хранилища. Задачи переживают перезапуск процесса,
// повторная постановка с тем же ID заменяет ожидающую задачу, а задачи,
// опоздавшие больше чем на misfire grace, отбрасываются без выполнения.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/magabrotheeeer/access-expiry/internal/lib/sl"
	"github.com/magabrotheeeer/access-expiry/internal/metrics"
	"github.com/magabrotheeeer/access-expiry/internal/models"
)

var (
	// ErrUnknownKind для вида задачи не зарегистрирован обработчик.
	ErrUnknownKind = errors.New("unknown job kind")
	// ErrInvalidJob у задачи не заполнены обязательные поля.
	ErrInvalidJob = errors.New("invalid job")
	// ErrAlreadyStarted повторный вызов Start.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Store долговременное хранилище задач.
type Store interface {
	UpsertJob(ctx context.Context, job *models.ScheduledJob) error
	DeleteJob(ctx context.Context, jobID string) (bool, error)
	ClaimJob(ctx context.Context, jobID string, revision int64) (bool, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledJob, error)
	NextRunAt(ctx context.Context) (time.Time, bool, error)
	GetJob(ctx context.Context, jobID string) (*models.ScheduledJob, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*models.ScheduledJob, error)
}

// Callback обработчик задачи. Ошибка логируется, задача всё равно считается выполненной.
type Callback func(ctx context.Context, payload []byte) error

// Job параметры постановки задачи.
// MisfireGrace == 0 означает значение планировщика по умолчанию,
// отрицательное значение отключает отбрасывание опоздавших задач.
type Job struct {
	ID           string
	Kind         string
	RunAt        time.Time
	Payload      []byte
	MisfireGrace time.Duration
}

// Stats итог одного прохода по наступившим задачам.
type Stats struct {
	Fired    int
	Failed   int
	Misfired int
	Lost     int
	Unknown  int
}

// Option настраивает Scheduler.
type Option func(*Scheduler)

// WithPollInterval максимальная пауза между проверками хранилища.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithBatchSize число задач, читаемых из хранилища за один запрос.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMisfireGrace значение misfire grace по умолчанию.
// Ноль оставляет значение по умолчанию (24h), отрицательное значение
// отключает отбрасывание опоздавших задач.
func WithMisfireGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		if d != 0 {
			s.misfireGrace = d
		}
	}
}

// WithJobTimeout ограничение времени выполнения одного обработчика.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler запускает зарегистрированные обработчики в момент run_at задачи.
type Scheduler struct {
	store Store
	log   *slog.Logger

	pollInterval time.Duration
	batchSize    int
	misfireGrace time.Duration
	jobTimeout   time.Duration
	now          func() time.Time

	cbMu      sync.RWMutex
	callbacks map[string]Callback

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wake    chan struct{}
	wg      sync.WaitGroup
}

// New создаёт планировщик. Обработчики регистрируются через Register до Start.
func New(store Store, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        store,
		log:          logger,
		pollInterval: 30 * time.Second,
		batchSize:    100,
		misfireGrace: 24 * time.Hour,
		jobTimeout:   time.Minute,
		now:          time.Now,
		callbacks:    make(map[string]Callback),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register связывает вид задачи с обработчиком. Задачи, восстановленные
// после перезапуска, находят обработчик по виду.
func (s *Scheduler) Register(kind string, cb Callback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.callbacks[kind] = cb
}

func (s *Scheduler) callback(kind string) (Callback, bool) {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	cb, ok := s.callbacks[kind]
	return cb, ok
}

// Schedule ставит задачу, заменяя ожидающую задачу с тем же ID.
func (s *Scheduler) Schedule(ctx context.Context, job Job) error {
	const op = "scheduler.Schedule"

	if job.ID == "" || job.RunAt.IsZero() {
		return fmt.Errorf("%s: %w", op, ErrInvalidJob)
	}
	if _, ok := s.callback(job.Kind); !ok {
		return fmt.Errorf("%s: %w: %q", op, ErrUnknownKind, job.Kind)
	}
	grace := job.MisfireGrace
	if grace == 0 {
		grace = s.misfireGrace
	}
	payload := job.Payload
	if payload == nil {
		payload = []byte{}
	}

	stored := &models.ScheduledJob{
		ID:           job.ID,
		Kind:         job.Kind,
		RunAt:        job.RunAt.UTC(),
		MisfireGrace: grace,
		Payload:      payload,
	}
	if err := s.store.UpsertJob(ctx, stored); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	metrics.JobsScheduled.Inc()
	s.log.Debug("job scheduled",
		sl.JobID(job.ID),
		slog.Time("run_at", stored.RunAt),
		slog.Int64("revision", stored.Revision),
	)
	s.notify()
	return nil
}

// Cancel снимает задачу. Отсутствие задачи не ошибка; false означает, что снимать было нечего.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (bool, error) {
	const op = "scheduler.Cancel"

	deleted, err := s.store.DeleteJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if deleted {
		metrics.JobsCancelled.Inc()
		s.log.Info("job cancelled", sl.JobID(jobID))
	}
	return deleted, nil
}

// Pending возвращает ожидающие задачи.
func (s *Scheduler) Pending(ctx context.Context, limit, offset int) ([]*models.ScheduledJob, error) {
	const op = "scheduler.Pending"
	jobs, err := s.store.ListJobs(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}

// Get возвращает задачу или models.ErrNotFound.
func (s *Scheduler) Get(ctx context.Context, jobID string) (*models.ScheduledJob, error) {
	const op = "scheduler.Get"
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start запускает фоновый цикл. Первый проход выполняется сразу и подбирает
// задачи, пропущенные во время простоя.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)

	s.log.Info("scheduler started",
		slog.Duration("poll_interval", s.pollInterval),
		slog.Duration("misfire_grace", s.misfireGrace),
	)
	return nil
}

// Stop останавливает цикл и ждёт завершения выполняемой задачи,
// но не дольше, чем позволяет ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler.Stop: %w", ctx.Err())
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	recovery := true
	for {
		wait := s.pollInterval
		stats, err := s.ProcessDue(ctx)
		switch {
		case err != nil:
			s.log.Error("scheduler pass failed", sl.Err(err))
		default:
			if recovery || stats != (Stats{}) {
				s.log.Info("scheduler pass finished",
					slog.Bool("recovery", recovery),
					slog.Int("fired", stats.Fired),
					slog.Int("failed", stats.Failed),
					slog.Int("misfired", stats.Misfired),
					slog.Int("lost", stats.Lost),
					slog.Int("unknown", stats.Unknown),
				)
			}
			wait = s.nextWait(ctx)
		}
		recovery = false

		timer := time.NewTimer(wait)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) nextWait(ctx context.Context) time.Duration {
	next, ok, err := s.store.NextRunAt(ctx)
	if err != nil {
		s.log.Warn("failed to read next run time", sl.Err(err))
		return s.pollInterval
	}
	if !ok {
		return s.pollInterval
	}
	d := next.Sub(s.now())
	if d < 0 {
		d = 0
	}
	if d > s.pollInterval {
		d = s.pollInterval
	}
	return d
}

// ProcessDue выполняет все наступившие задачи и возвращает итог прохода.
func (s *Scheduler) ProcessDue(ctx context.Context) (Stats, error) {
	const op = "scheduler.ProcessDue"
	var stats Stats

	for {
		jobs, err := s.store.DueJobs(ctx, s.now(), s.batchSize)
		if err != nil {
			return stats, fmt.Errorf("%s: %w", op, err)
		}
		before := stats
		for _, job := range jobs {
			if err := s.process(ctx, job, &stats); err != nil {
				return stats, fmt.Errorf("%s: %w", op, err)
			}
		}
		if len(jobs) < s.batchSize || stats == before {
			return stats, nil
		}
	}
}

func (s *Scheduler) process(ctx context.Context, job *models.ScheduledJob, stats *Stats) error {
	log := s.log.With(sl.JobID(job.ID), slog.String("kind", job.Kind))

	lateness := s.now().Sub(job.RunAt)
	if job.MisfireGrace > 0 && lateness > job.MisfireGrace {
		claimed, err := s.store.ClaimJob(ctx, job.ID, job.Revision)
		if err != nil {
			return err
		}
		if !claimed {
			stats.Lost++
			return nil
		}
		stats.Misfired++
		metrics.JobsMisfired.Inc()
		log.Warn("job missed its run time by more than misfire grace, dropped",
			slog.Time("run_at", job.RunAt),
			slog.Duration("late", lateness),
			slog.Duration("misfire_grace", job.MisfireGrace),
		)
		return nil
	}

	cb, ok := s.callback(job.Kind)
	claimed, err := s.store.ClaimJob(ctx, job.ID, job.Revision)
	if err != nil {
		return err
	}
	if !claimed {
		// задачу заменили или отменили после чтения
		stats.Lost++
		log.Debug("job changed before firing, skipped", slog.Int64("revision", job.Revision))
		return nil
	}
	if !ok {
		stats.Unknown++
		metrics.JobsFired.WithLabelValues(metrics.ResultUnknown).Inc()
		log.Error("no callback registered for job kind, job dropped")
		return nil
	}

	start := time.Now()
	err = s.run(ctx, cb, job.Payload)
	metrics.JobDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		stats.Failed++
		metrics.JobsFired.WithLabelValues(metrics.ResultFailed).Inc()
		log.Error("job callback failed", sl.Err(err))
		return nil
	}
	stats.Fired++
	metrics.JobsFired.WithLabelValues(metrics.ResultSucceeded).Inc()
	log.Info("job fired", slog.Duration("late", lateness))
	return nil
}

// run выполняет обработчик уже снятой задачи. Отмена ctx при остановке
// его не прерывает, ограничение только jobTimeout.
func (s *Scheduler) run(ctx context.Context, cb Callback, payload []byte) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return cb(ctx, payload)
}
