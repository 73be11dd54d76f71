package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/access-expiry/internal/models"
)

// GetEntitlement возвращает состояние подписки пользователя.
// Если записи нет, возвращает models.ErrNotFound.
func (s *Storage) GetEntitlement(ctx context.Context, userID int64) (*models.Entitlement, error) {
	const op = "storage.GetEntitlement"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT user_id, tier, expires_at, last_payment_at
			  FROM entitlements
			  WHERE user_id = $1`
	var (
		e             models.Entitlement
		expiresAt     sql.NullTime
		lastPaymentAt sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, query, userID).Scan(&e.UserID, &e.Tier, &expiresAt, &lastPaymentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		e.ExpiresAt = &t
	}
	if lastPaymentAt.Valid {
		t := lastPaymentAt.Time.UTC()
		e.LastPaymentAt = &t
	}
	return &e, nil
}

// SaveEntitlement создаёт или перезаписывает тариф, срок действия и дату
// последней оплаты пользователя.
func (s *Storage) SaveEntitlement(ctx context.Context, e models.Entitlement) error {
	const op = "storage.SaveEntitlement"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	query := `INSERT INTO entitlements (user_id, tier, expires_at, last_payment_at, updated_at)
			  VALUES ($1, $2, $3, $4, NOW())
			  ON CONFLICT (user_id) DO UPDATE
			  SET tier = EXCLUDED.tier,
			      expires_at = EXCLUDED.expires_at,
			      last_payment_at = EXCLUDED.last_payment_at,
			      updated_at = NOW()`
	_, err := s.DB.ExecContext(ctx, query, e.UserID, e.Tier, nullTime(e.ExpiresAt), nullTime(e.LastPaymentAt))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteEntitlement удаляет запись подписки пользователя.
func (s *Storage) DeleteEntitlement(ctx context.Context, userID int64) error {
	const op = "storage.DeleteEntitlement"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	if _, err := s.DB.ExecContext(ctx, `DELETE FROM entitlements WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ClearExpiry сбрасывает срок действия подписки, только если он ещё
// установлен и наступил не позже notAfter. Тариф и дата оплаты не меняются.
// Возвращает true, если отметка была сброшена.
func (s *Storage) ClearExpiry(ctx context.Context, userID int64, notAfter time.Time) (bool, error) {
	const op = "storage.ClearExpiry"
	if err := checkCtx(ctx, op); err != nil {
		return false, err
	}

	query := `UPDATE entitlements
			  SET expires_at = NULL,
			      updated_at = NOW()
			  WHERE user_id = $1
			    AND expires_at IS NOT NULL
			    AND expires_at <= $2`
	res, err := s.DB.ExecContext(ctx, query, userID, notAfter)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n > 0, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
