package deadline_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"duetrack/internal/handlers/deadline"
)

type marker struct{ mock.Mock }

func (m *marker) HandleDeadline(ctx context.Context, taskID string) error {
	return m.Called(taskID).Error(0)
}

func TestDeadline_Handle(t *testing.T) {
	m := &marker{}
	m.On("HandleDeadline", "t1").Return(nil).Once()
	h := deadline.Deadline{Tasks: m}

	require.NoError(t, h.Handle(context.Background(), json.RawMessage(`{"task_id":"t1"}`)))
	assert.Error(t, h.Handle(context.Background(), json.RawMessage(`{"task_id":""}`)))
	assert.Error(t, h.Handle(context.Background(), json.RawMessage(`not json`)))
	m.AssertExpectations(t)
}
