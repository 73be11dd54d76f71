package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/access-expiry/internal/models"
)

var jobRowColumns = []string{"job_id", "kind", "run_at", "misfire_grace_ms", "payload", "revision", "created_at", "updated_at"}

func TestStorage_UpsertJob(t *testing.T) {
	storage, mock := newMockStorage(t)
	runAt := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	created := runAt.Add(-30 * 24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO scheduled_jobs`)).
		WithArgs("kick_-100_42", "kick", runAt, int64(86_400_000), []byte(`{"resource_id":-100,"user_id":42}`)).
		WillReturnRows(sqlmock.NewRows([]string{"revision", "created_at", "updated_at"}).
			AddRow(int64(3), created, created))

	job := &models.ScheduledJob{
		ID:           "kick_-100_42",
		Kind:         "kick",
		RunAt:        runAt,
		MisfireGrace: 24 * time.Hour,
		Payload:      []byte(`{"resource_id":-100,"user_id":42}`),
	}
	require.NoError(t, storage.UpsertJob(context.Background(), job))
	assert.Equal(t, int64(3), job.Revision)
	assert.Equal(t, created, job.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_UpsertJob_Nil(t *testing.T) {
	storage, mock := newMockStorage(t)
	err := storage.UpsertJob(context.Background(), nil)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_ClaimJob(t *testing.T) {
	query := regexp.QuoteMeta(`DELETE FROM scheduled_jobs WHERE job_id = $1 AND revision = $2`)

	tests := []struct {
		name    string
		setup   func(m sqlmock.Sqlmock)
		want    bool
		wantErr bool
	}{
		{
			name: "claimed",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(query).WithArgs("kick_1_2", int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
			},
			want: true,
		},
		{
			name: "replaced by a newer revision",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(query).WithArgs("kick_1_2", int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))
			},
			want: false,
		},
		{
			name: "database error",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(query).WithArgs("kick_1_2", int64(5)).WillReturnError(errors.New("timeout"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, mock := newMockStorage(t)
			tt.setup(mock)

			got, err := storage.ClaimJob(context.Background(), "kick_1_2", 5)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStorage_DeleteJob(t *testing.T) {
	storage, mock := newMockStorage(t)
	query := regexp.QuoteMeta(`DELETE FROM scheduled_jobs WHERE job_id = $1`)
	mock.ExpectExec(query).WithArgs("kick_1_2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).WithArgs("kick_1_2").WillReturnResult(sqlmock.NewResult(0, 0))

	deleted, err := storage.DeleteJob(context.Background(), "kick_1_2")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = storage.DeleteJob(context.Background(), "kick_1_2")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_DueJobs(t *testing.T) {
	storage, mock := newMockStorage(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	first := now.Add(-2 * time.Hour)
	second := now.Add(-time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE run_at <= $1`)).
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows(jobRowColumns).
			AddRow("kick_1_1", "kick", first, int64(3_600_000), []byte(`{}`), int64(1), first, first).
			AddRow("kick_1_2", "kick", second, int64(0), []byte(`{}`), int64(2), second, second))

	jobs, err := storage.DueJobs(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "kick_1_1", jobs[0].ID)
	assert.Equal(t, time.Hour, jobs[0].MisfireGrace)
	assert.Equal(t, first, jobs[0].RunAt)
	assert.Equal(t, int64(2), jobs[1].Revision)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_DueJobs_ScanError(t *testing.T) {
	storage, mock := newMockStorage(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE run_at <= $1`)).
		WillReturnRows(sqlmock.NewRows(jobRowColumns).
			AddRow("kick_1_1", "kick", "not-a-time", int64(0), []byte(`{}`), int64(1), now, now))

	jobs, err := storage.DueJobs(context.Background(), now, 10)
	assert.Error(t, err)
	assert.Nil(t, jobs)
}

func TestStorage_NextRunAt(t *testing.T) {
	query := regexp.QuoteMeta(`SELECT MIN(run_at) FROM scheduled_jobs`)
	next := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("has jobs", func(t *testing.T) {
		storage, mock := newMockStorage(t)
		mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(next))

		got, ok, err := storage.NextRunAt(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, next, got)
	})

	t.Run("empty store", func(t *testing.T) {
		storage, mock := newMockStorage(t)
		mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

		_, ok, err := storage.NextRunAt(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStorage_GetJob(t *testing.T) {
	query := regexp.QuoteMeta(`FROM scheduled_jobs WHERE job_id = $1`)
	runAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		storage, mock := newMockStorage(t)
		mock.ExpectQuery(query).WithArgs("kick_1_2").WillReturnRows(sqlmock.NewRows(jobRowColumns).
			AddRow("kick_1_2", "kick", runAt, int64(1000), []byte(`{}`), int64(1), runAt, runAt))

		job, err := storage.GetJob(context.Background(), "kick_1_2")
		require.NoError(t, err)
		assert.Equal(t, time.Second, job.MisfireGrace)
	})

	t.Run("not found", func(t *testing.T) {
		storage, mock := newMockStorage(t)
		mock.ExpectQuery(query).WithArgs("kick_1_2").WillReturnRows(sqlmock.NewRows(jobRowColumns))

		job, err := storage.GetJob(context.Background(), "kick_1_2")
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.Nil(t, job)
	})
}

func TestStorage_ListJobs(t *testing.T) {
	storage, mock := newMockStorage(t)
	runAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`LIMIT $1 OFFSET $2`)).
		WithArgs(20, 40).
		WillReturnRows(sqlmock.NewRows(jobRowColumns).
			AddRow("kick_1_2", "kick", runAt, int64(0), []byte(`{}`), int64(1), runAt, runAt))

	jobs, err := storage.ListJobs(context.Background(), 20, 40)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
