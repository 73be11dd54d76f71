package models

import "time"

// ScheduledJob — отложенное одноразовое действие, которое хранится в
// долговременном хранилище и переживает перезапуск процесса.
type ScheduledJob struct {
	ID           string        `json:"job_id"`
	Kind         string        `json:"kind"`
	RunAt        time.Time     `json:"run_at"`
	MisfireGrace time.Duration `json:"misfire_grace"`
	Payload      []byte        `json:"payload"`
	// Revision увеличивается при каждой замене задачи с тем же ID.
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExpiryPayload — полезная нагрузка задачи отзыва доступа.
type ExpiryPayload struct {
	ResourceID int64 `json:"resource_id"`
	UserID     int64 `json:"user_id"`
}
