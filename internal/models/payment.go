package models

import "time"

// PaymentEvent — подтверждение успешной оплаты от платёжного контура.
// TariffPayload имеет вид "<срок>_<тариф>", например "month3_premium".
type PaymentEvent struct {
	UserID        int64     `json:"user_id" validate:"required"`
	TariffPayload string    `json:"tariff_payload" validate:"required"`
	ChargeID      string    `json:"charge_id,omitempty"`
	Amount        int64     `json:"amount,omitempty" validate:"gte=0"`
	Currency      string    `json:"currency,omitempty"`
	PaidAt        time.Time `json:"paid_at,omitempty"`
}

// Ключи маршрутизации уведомлений об изменении подписки.
const (
	RoutingEntitlementExtended = "entitlement.extended"
	RoutingEntitlementExpired  = "entitlement.expired"
)

// EntitlementNotification публикуется в обменник уведомлений.
type EntitlementNotification struct {
	Event      string     `json:"event"`
	UserID     int64      `json:"user_id"`
	ResourceID int64      `json:"resource_id,omitempty"`
	Tier       string     `json:"tier,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}
