package rabbitmq

import (
	"fmt"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/access-expiry/internal/models"
)

// Обменники сервиса.
const (
	ExchangePayments      = "payments"
	ExchangeNotifications = "notifications"
)

// Очереди и ключи маршрутизации.
const (
	RoutingPaymentSucceeded = "payment.succeeded"
	QueueEntitlementEvents  = "notifications.entitlement"
)

// QueueConfig описывает очередь и её привязку к обменнику.
type QueueConfig struct {
	Exchange   string
	QueueName  string
	RoutingKey string
}

// GetQueues возвращает топологию сервиса: очередь подтверждённых оплат
// и очередь уведомлений об изменении подписок.
func GetQueues(paymentsQueue string) []QueueConfig {
	return []QueueConfig{
		{Exchange: ExchangePayments, QueueName: paymentsQueue, RoutingKey: RoutingPaymentSucceeded},
		{Exchange: ExchangeNotifications, QueueName: QueueEntitlementEvents, RoutingKey: models.RoutingEntitlementExtended},
		{Exchange: ExchangeNotifications, QueueName: QueueEntitlementEvents, RoutingKey: models.RoutingEntitlementExpired},
	}
}

// SetupChannel открывает канал, задаёт prefetch и объявляет обменники,
// очереди и привязки.
func SetupChannel(conn *amqp.Connection, prefetch int, queues []QueueConfig) (*amqp.Channel, error) {
	const op = "rabbitmq.SetupChannel"

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err = declare(ch, prefetch, queues); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ch, nil
}

func declare(ch *amqp.Channel, prefetch int, queues []QueueConfig) error {
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	for _, exchange := range []string{ExchangePayments, ExchangeNotifications} {
		err := ch.ExchangeDeclare(
			exchange,
			"direct",
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			q.QueueName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.QueueName, err)
		}

		err = ch.QueueBind(
			q.QueueName,
			q.RoutingKey,
			q.Exchange,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to bind queue %s with routing key %s: %w", q.QueueName, q.RoutingKey, err)
		}
	}
	return nil
}
