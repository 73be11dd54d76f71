// Package subscription реализует продление подписок после оплаты:
// расчёт нового срока действия со сложением оставшегося времени,
// сохранение записи и перепостановку задачи отзыва доступа.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/access-expiry/internal/cache"
	"github.com/magabrotheeeer/access-expiry/internal/lib/sl"
	"github.com/magabrotheeeer/access-expiry/internal/metrics"
	"github.com/magabrotheeeer/access-expiry/internal/models"
	"github.com/magabrotheeeer/access-expiry/internal/services/expiry"
	"github.com/magabrotheeeer/access-expiry/internal/services/scheduler"
	"github.com/magabrotheeeer/access-expiry/internal/tariff"
)

var (
	// ErrInvalidEvent событие оплаты не прошло валидацию.
	ErrInvalidEvent = errors.New("invalid payment event")
	// ErrDuplicatePayment платёж с этим charge_id уже обработан.
	ErrDuplicatePayment = errors.New("duplicate payment")
)

// EntitlementRepository хранилище записей подписок.
type EntitlementRepository interface {
	GetEntitlement(ctx context.Context, userID int64) (*models.Entitlement, error)
	SaveEntitlement(ctx context.Context, e models.Entitlement) error
	DeleteEntitlement(ctx context.Context, userID int64) error
}

// JobScheduler постановка задачи отзыва доступа.
type JobScheduler interface {
	Schedule(ctx context.Context, job scheduler.Job) error
}

// Cache кэш записей и отметок обработанных платежей.
type Cache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) (bool, error)
	Invalidate(ctx context.Context, key string) error
}

// Publisher публикация уведомлений.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, message any) error
}

// detachedTimeout ограничивает шаги, которые выполняются после сохранения
// записи и не должны прерываться отменой запроса.
const detachedTimeout = 10 * time.Second

// Config параметры сервиса.
type Config struct {
	// ResourceID закрытый чат, доступ к которому даёт подписка.
	ResourceID   int64
	MisfireGrace time.Duration
	DedupeTTL    time.Duration
	CacheTTL     time.Duration
}

// Service продление подписок.
type Service struct {
	repo      EntitlementRepository
	scheduler JobScheduler
	cache     Cache
	publisher Publisher
	validate  *validator.Validate
	log       *slog.Logger
	cfg       Config
	now       func() time.Time
	locks     userLocks
}

// userLocks сериализует продления одного пользователя.
type userLocks struct {
	mu    sync.Mutex
	users map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func (l *userLocks) lock(userID int64) func() {
	l.mu.Lock()
	if l.users == nil {
		l.users = make(map[int64]*userLock)
	}
	ul, ok := l.users[userID]
	if !ok {
		ul = &userLock{}
		l.users[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.users, userID)
		}
		l.mu.Unlock()
	}
}

// Option настраивает Service.
type Option func(*Service)

// WithCache включает кэш чтения и защиту от повторной обработки платежа.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithPublisher включает уведомление entitlement.extended.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New создаёт сервис.
func New(repo EntitlementRepository, sched JobScheduler, logger *slog.Logger, cfg Config, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		scheduler: sched,
		validate:  validator.New(),
		log:       logger,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Extend продлевает подписку пользователя на срок тарифа.
// Если подписка ещё действует, срок добавляется к текущему expires_at,
// иначе отсчитывается от текущего момента. Задача отзыва ставится только
// после успешного сохранения записи; если поставить её не удалось,
// запись возвращается в прежнее состояние. Продления одного пользователя
// выполняются по очереди.
func (s *Service) Extend(ctx context.Context, userID int64, t tariff.Tariff) (*models.Entitlement, error) {
	const op = "subscription.Extend"
	log := s.log.With(slog.String("op", op), sl.UserID(userID), slog.String("tariff", t.String()))

	if !t.Valid() {
		return nil, fmt.Errorf("%s: %w: %q", op, tariff.ErrUnrecognizedTariff, t.String())
	}

	unlock := s.locks.lock(userID)
	defer unlock()

	now := s.now().UTC()
	current, err := s.repo.GetEntitlement(ctx, userID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		current = nil
	case err != nil:
		log.Error("failed to read entitlement", sl.Err(err))
		return nil, fmt.Errorf("%s: %w: %w", op, models.ErrPersistenceFailed, err)
	}

	base := now
	if current.Active(now) {
		base = current.ExpiresAt.UTC()
	}
	expiresAt := base.Add(t.Duration())
	paidAt := now

	updated := models.Entitlement{
		UserID:        userID,
		Tier:          t.Tier.String(),
		ExpiresAt:     &expiresAt,
		LastPaymentAt: &paidAt,
	}
	if err := s.repo.SaveEntitlement(ctx, updated); err != nil {
		log.Error("failed to save entitlement", sl.Err(err))
		return nil, fmt.Errorf("%s: %w: %w", op, models.ErrPersistenceFailed, err)
	}

	// запись уже сохранена: постановка задачи и откат не зависят от отмены запроса
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
	defer cancel()

	payload, err := expiry.NewPayload(s.cfg.ResourceID, userID)
	if err == nil {
		err = s.scheduler.Schedule(dctx, scheduler.Job{
			ID:           expiry.JobID(s.cfg.ResourceID, userID),
			Kind:         expiry.Kind,
			RunAt:        expiresAt,
			Payload:      payload,
			MisfireGrace: s.cfg.MisfireGrace,
		})
	}
	if err != nil {
		log.Error("failed to schedule expiry, restoring previous entitlement", sl.Err(err))
		s.restore(dctx, log, userID, current)
		return nil, fmt.Errorf("%s: %w: %w", op, models.ErrPersistenceFailed, err)
	}

	metrics.Extensions.WithLabelValues(t.Tier.String(), t.Term.String()).Inc()
	log.Info("entitlement extended",
		slog.Time("expires_at", expiresAt),
		slog.Bool("stacked", current.Active(now)),
	)
	return &updated, nil
}

func (s *Service) restore(ctx context.Context, log *slog.Logger, userID int64, previous *models.Entitlement) {
	var err error
	if previous == nil {
		err = s.repo.DeleteEntitlement(ctx, userID)
	} else {
		err = s.repo.SaveEntitlement(ctx, *previous)
	}
	if err != nil {
		log.Error("failed to restore entitlement after scheduling failure", sl.Err(err))
	}
}

// ProcessPayment обрабатывает подтверждение оплаты.
func (s *Service) ProcessPayment(ctx context.Context, ev models.PaymentEvent) (*models.Entitlement, error) {
	const op = "subscription.ProcessPayment"
	log := s.log.With(slog.String("op", op), sl.UserID(ev.UserID), slog.String("charge_id", ev.ChargeID))

	if err := s.validate.Struct(ev); err != nil {
		metrics.PaymentEvents.WithLabelValues("invalid").Inc()
		log.Warn("invalid payment event", sl.Err(err))
		return nil, fmt.Errorf("%s: %w: %w", op, ErrInvalidEvent, err)
	}

	t, err := tariff.Parse(ev.TariffPayload)
	if err != nil {
		metrics.PaymentEvents.WithLabelValues("unrecognized_tariff").Inc()
		log.Warn("unrecognized tariff payload", slog.String("payload", ev.TariffPayload))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if ev.Amount > 0 && ev.Amount != t.Price() {
		log.Warn("paid amount differs from tariff price",
			slog.Int64("amount", ev.Amount),
			slog.Int64("price", t.Price()),
			slog.String("currency", ev.Currency),
		)
	}

	claimed := false
	if ev.ChargeID != "" && s.cache != nil {
		ok, err := s.cache.SetNX(ctx, cache.PaymentKey(ev.ChargeID), ev.UserID, s.cfg.DedupeTTL)
		switch {
		case err != nil:
			log.Warn("payment de-duplication unavailable, processing anyway", sl.Err(err))
		case !ok:
			metrics.PaymentEvents.WithLabelValues("duplicate").Inc()
			log.Info("payment already processed")
			return nil, fmt.Errorf("%s: %w", op, ErrDuplicatePayment)
		default:
			claimed = true
		}
	}

	ent, err := s.Extend(ctx, ev.UserID, t)
	if err != nil {
		metrics.PaymentEvents.WithLabelValues("failed").Inc()
		if claimed {
			// повторная доставка должна иметь возможность применить платёж
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
			relErr := s.cache.Invalidate(rctx, cache.PaymentKey(ev.ChargeID))
			cancel()
			if relErr != nil {
				log.Warn("failed to release payment key", sl.Err(relErr))
			}
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, cache.EntitlementKey(ev.UserID)); err != nil {
			log.Warn("failed to invalidate entitlement cache", sl.Err(err))
		}
	}
	if s.publisher != nil {
		msg := models.EntitlementNotification{
			Event:      models.RoutingEntitlementExtended,
			UserID:     ev.UserID,
			ResourceID: s.cfg.ResourceID,
			Tier:       ent.Tier,
			ExpiresAt:  ent.ExpiresAt,
			OccurredAt: s.now().UTC(),
		}
		if err := s.publisher.Publish(ctx, models.RoutingEntitlementExtended, msg); err != nil {
			log.Warn("failed to publish extension notification", sl.Err(err))
		}
	}
	metrics.PaymentEvents.WithLabelValues("processed").Inc()
	return ent, nil
}

// HandlePaymentMessage обработчик сообщений очереди оплат. Сообщения, которые
// невозможно применить никогда (битый JSON, неизвестный тариф, дубликат),
// подтверждаются; ошибки хранилища возвращаются, и сообщение возвращается в очередь.
func (s *Service) HandlePaymentMessage(ctx context.Context, body []byte) error {
	const op = "subscription.HandlePaymentMessage"

	var ev models.PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		metrics.PaymentEvents.WithLabelValues("malformed").Inc()
		s.log.Error("failed to decode payment message, dropped", slog.String("op", op), sl.Err(err))
		return nil
	}

	_, err := s.ProcessPayment(ctx, ev)
	switch {
	case err == nil,
		errors.Is(err, ErrDuplicatePayment),
		errors.Is(err, ErrInvalidEvent),
		errors.Is(err, tariff.ErrUnrecognizedTariff):
		return nil
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// Read возвращает запись подписки, используя кэш.
func (s *Service) Read(ctx context.Context, userID int64) (*models.Entitlement, error) {
	const op = "subscription.Read"
	key := cache.EntitlementKey(userID)

	if s.cache != nil {
		var cached models.Entitlement
		found, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			s.log.Warn("failed to read entitlement from cache", slog.String("op", op), sl.Err(err))
		}
		if found {
			return &cached, nil
		}
	}

	ent, err := s.repo.GetEntitlement(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, ent, s.cfg.CacheTTL); err != nil {
			s.log.Warn("failed to cache entitlement", slog.String("op", op), sl.Err(err))
		}
	}
	return ent, nil
}
