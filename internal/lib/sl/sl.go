// Package sl содержит вспомогательные функции для работы с логгером slog.
// Основная цель — единообразно формировать структурированные поля лога:
// ошибки, идентификаторы пользователей, ресурсов и отложенных задач.
package sl

import "log/slog"

// Err возвращает slog.Attr с ключом "error" и значением текста ошибки.
//
// Пример:
//
//	log.Error("failed to do something", sl.Err(err))
func Err(err error) slog.Attr {
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}

// UserID возвращает атрибут с идентификатором пользователя.
func UserID(id int64) slog.Attr {
	return slog.Int64("user_id", id)
}

// ResourceID возвращает атрибут с идентификатором закрытого ресурса (чата).
func ResourceID(id int64) slog.Attr {
	return slog.Int64("resource_id", id)
}

// JobID возвращает атрибут с идентификатором отложенной задачи.
func JobID(id string) slog.Attr {
	return slog.String("job_id", id)
}
