package models

import "errors"

var (
	// ErrNotFound возвращается хранилищем, когда запись отсутствует.
	ErrNotFound = errors.New("not found")
	// ErrPersistenceFailed — ошибка записи состояния; продление должно прерываться.
	ErrPersistenceFailed = errors.New("persistence failed")
	// ErrRevocationFailed — внешний вызов отзыва доступа завершился ошибкой.
	ErrRevocationFailed = errors.New("revocation failed")
)
