// Package expiry реализует действие по истечении подписки: пользователя
// исключают из закрытого чата, снимают блокировку, чтобы он мог вернуться
// после новой оплаты, и очищают отметку срока действия.
// Каждый шаг выполняется независимо, ошибки шагов логируются и не
// передаются в цикл планировщика.
package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/access-expiry/internal/cache"
	"github.com/magabrotheeeer/access-expiry/internal/lib/sl"
	"github.com/magabrotheeeer/access-expiry/internal/metrics"
	"github.com/magabrotheeeer/access-expiry/internal/models"
)

// Kind вид задачи планировщика для этого действия.
const Kind = "kick"

// JobID детерминированный идентификатор задачи для пары (ресурс, пользователь).
func JobID(resourceID, userID int64) string {
	return fmt.Sprintf("%s_%d_%d", Kind, resourceID, userID)
}

// NewPayload кодирует полезную нагрузку задачи.
func NewPayload(resourceID, userID int64) ([]byte, error) {
	return json.Marshal(models.ExpiryPayload{ResourceID: resourceID, UserID: userID})
}

// StepResult итог одного шага.
type StepResult int

const (
	Skipped StepResult = iota
	Succeeded
	// FailedTerminal шаг не удался; ошибка залогирована, повтора не будет.
	FailedTerminal
)

func (r StepResult) String() string {
	switch r {
	case Succeeded:
		return "succeeded"
	case FailedTerminal:
		return "failed_terminal"
	default:
		return "skipped"
	}
}

// Report итог выполнения действия.
type Report struct {
	Revoke   StepResult
	Unrevoke StepResult
	Clear    StepResult
	// Stale задача устарела: подписку продлили после постановки задачи.
	Stale bool
}

// Revoker управление доступом к закрытому ресурсу.
type Revoker interface {
	Revoke(ctx context.Context, resourceID, userID int64) error
	Unrevoke(ctx context.Context, resourceID, userID int64) error
}

// EntitlementRepository хранилище записей подписок.
type EntitlementRepository interface {
	GetEntitlement(ctx context.Context, userID int64) (*models.Entitlement, error)
	ClearExpiry(ctx context.Context, userID int64, notAfter time.Time) (bool, error)
}

// CacheInvalidator сброс кэшированной записи подписки.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, key string) error
}

// Publisher публикация уведомлений.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, message any) error
}

// Action обработчик задач вида Kind.
type Action struct {
	revoker   Revoker
	repo      EntitlementRepository
	cache     CacheInvalidator
	publisher Publisher
	log       *slog.Logger
	now       func() time.Time
}

// Option настраивает Action.
type Option func(*Action)

// WithCache включает сброс кэша записи подписки.
func WithCache(c CacheInvalidator) Option {
	return func(a *Action) { a.cache = c }
}

// WithPublisher включает публикацию уведомления entitlement.expired.
func WithPublisher(p Publisher) Option {
	return func(a *Action) { a.publisher = p }
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(a *Action) { a.now = now }
}

// New создаёт обработчик.
func New(revoker Revoker, repo EntitlementRepository, logger *slog.Logger, opts ...Option) *Action {
	a := &Action{
		revoker: revoker,
		repo:    repo,
		log:     logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handle точка входа для планировщика. Ошибка возвращается только для
// нераскодируемой полезной нагрузки; сбои шагов отражены в логах и метриках.
func (a *Action) Handle(ctx context.Context, payload []byte) error {
	const op = "expiry.Handle"

	var p models.ExpiryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%s: decode payload: %w", op, err)
	}
	if p.UserID == 0 {
		return fmt.Errorf("%s: payload without user_id", op)
	}
	a.Run(ctx, p)
	return nil
}

// Run выполняет шаги действия для пользователя p.UserID.
func (a *Action) Run(ctx context.Context, p models.ExpiryPayload) Report {
	const op = "expiry.Run"
	log := a.log.With(
		slog.String("op", op),
		sl.JobID(JobID(p.ResourceID, p.UserID)),
		sl.UserID(p.UserID),
		sl.ResourceID(p.ResourceID),
	)
	firedAt := a.now().UTC()

	var report Report
	ent, err := a.repo.GetEntitlement(ctx, p.UserID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		ent = nil
	case err != nil:
		// без записи нельзя проверить продление, но отзыв всё равно выполняется
		log.Warn("failed to read entitlement before revocation", sl.Err(err))
		ent = nil
	case ent != nil && ent.ExpiresAt != nil && ent.ExpiresAt.After(firedAt):
		report.Stale = true
		log.Info("entitlement was extended after the job was scheduled, skipping",
			slog.Time("expires_at", *ent.ExpiresAt))
		return report
	}

	report.Revoke = a.step(log, "revoke", func() error {
		if err := a.revoker.Revoke(ctx, p.ResourceID, p.UserID); err != nil {
			return fmt.Errorf("%w: %w", models.ErrRevocationFailed, err)
		}
		return nil
	})

	report.Unrevoke = a.step(log, "unrevoke", func() error {
		if err := a.revoker.Unrevoke(ctx, p.ResourceID, p.UserID); err != nil {
			return fmt.Errorf("%w: %w", models.ErrRevocationFailed, err)
		}
		return nil
	})

	report.Clear = Skipped
	if ent != nil && ent.ExpiresAt != nil {
		var cleared bool
		report.Clear = a.step(log, "clear_expiry", func() error {
			var clearErr error
			cleared, clearErr = a.repo.ClearExpiry(ctx, p.UserID, firedAt)
			return clearErr
		})
		if report.Clear == Succeeded && !cleared {
			report.Clear = Skipped
			log.Info("expiry marker changed concurrently, left untouched")
		}
	}

	a.invalidate(ctx, log, p.UserID)
	a.notify(ctx, log, p, ent, firedAt)

	log.Info("expiry action finished",
		slog.String("revoke", report.Revoke.String()),
		slog.String("unrevoke", report.Unrevoke.String()),
		slog.String("clear_expiry", report.Clear.String()),
	)
	return report
}

func (a *Action) step(log *slog.Logger, name string, fn func() error) (result StepResult) {
	defer func() {
		if r := recover(); r != nil {
			metrics.StepFailures.WithLabelValues(name).Inc()
			log.Error("expiry step panicked", slog.String("step", name), slog.Any("panic", r))
			result = FailedTerminal
		}
	}()
	if err := fn(); err != nil {
		metrics.StepFailures.WithLabelValues(name).Inc()
		log.Error("expiry step failed", slog.String("step", name), sl.Err(err))
		return FailedTerminal
	}
	return Succeeded
}

func (a *Action) invalidate(ctx context.Context, log *slog.Logger, userID int64) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Invalidate(ctx, cache.EntitlementKey(userID)); err != nil {
		log.Warn("failed to invalidate entitlement cache", sl.Err(err))
	}
}

func (a *Action) notify(ctx context.Context, log *slog.Logger, p models.ExpiryPayload, ent *models.Entitlement, at time.Time) {
	if a.publisher == nil {
		return
	}
	msg := models.EntitlementNotification{
		Event:      models.RoutingEntitlementExpired,
		UserID:     p.UserID,
		ResourceID: p.ResourceID,
		OccurredAt: at,
	}
	if ent != nil {
		msg.Tier = ent.Tier
	}
	if err := a.publisher.Publish(ctx, models.RoutingEntitlementExpired, msg); err != nil {
		log.Warn("failed to publish expiry notification", sl.Err(err))
	}
}
