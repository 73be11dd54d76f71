// Package models содержит доменные структуры сервиса: состояние подписки
// пользователя (entitlement), отложенные задачи планировщика, события оплаты
// и уведомления, а также общие ошибки.
package models

import "time"

// Entitlement — часть записи пользователя, которую читает и изменяет сервис.
// ExpiresAt равен nil, если активной подписки нет.
type Entitlement struct {
	UserID        int64      `json:"user_id"`
	Tier          string     `json:"tier"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastPaymentAt *time.Time `json:"last_payment_at,omitempty"`
}

// Active сообщает, действует ли подписка в момент now.
func (e *Entitlement) Active(now time.Time) bool {
	return e != nil && e.ExpiresAt != nil && e.ExpiresAt.After(now)
}
