package cancel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) Cancel(ctx context.Context, jobID string) (bool, error) {
	args := m.Called(ctx, jobID)
	return args.Bool(0), args.Error(1)
}

func TestCancelHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name           string
		jobID          string
		setupMock      func(*MockScheduler)
		expectedStatus int
		expectedBody   string
	}{
		{
			name:  "задача отменена",
			jobID: "kick_-100_42",
			setupMock: func(m *MockScheduler) {
				m.On("Cancel", mock.Anything, "kick_-100_42").Return(true, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"job_id":"kick_-100_42"`,
		},
		{
			name:  "задача не найдена",
			jobID: "kick_-100_7",
			setupMock: func(m *MockScheduler) {
				m.On("Cancel", mock.Anything, "kick_-100_7").Return(false, nil).Once()
			},
			expectedStatus: http.StatusNotFound,
			expectedBody:   `"error":"job not found"`,
		},
		{
			name:  "ошибка хранилища",
			jobID: "kick_-100_42",
			setupMock: func(m *MockScheduler) {
				m.On("Cancel", mock.Anything, "kick_-100_42").Return(false, errors.New("db down")).Once()
			},
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `"error":"failed to cancel job"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := new(MockScheduler)
			tt.setupMock(sched)

			r := chi.NewRouter()
			r.Delete("/api/v1/jobs/{job_id}", New(logger, sched).ServeHTTP)

			req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+tt.jobID, nil)
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.expectedBody)
			sched.AssertExpectations(t)
		})
	}
}
