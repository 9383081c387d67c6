package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/mrz1836/postmark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duetrack/internal/domain"
	"duetrack/internal/store"
)

type fakeClient struct {
	sent []postmark.Email
	resp postmark.EmailResponse
	err  error
}

func (f *fakeClient) SendEmail(_ context.Context, e postmark.Email) (postmark.EmailResponse, error) {
	f.sent = append(f.sent, e)
	return f.resp, f.err
}

type users map[string]string

func (u users) Email(_ context.Context, ownerID string) (string, error) {
	if e, ok := u[ownerID]; ok {
		return e, nil
	}
	return "", store.ErrNoUser
}

func TestNewPostmarkNotifier_RequiresConfig(t *testing.T) {
	for name, cfg := range map[string]PostmarkConfig{
		"server token":  {AccountToken: "a", SenderEmail: "x@example.com"},
		"account token": {ServerToken: "s", SenderEmail: "x@example.com"},
		"sender":        {ServerToken: "s", AccountToken: "a"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewPostmarkNotifier(cfg, users{})
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
	_, err := NewPostmarkNotifier(PostmarkConfig{ServerToken: "s", AccountToken: "a", SenderEmail: "x@example.com"}, users{})
	assert.NoError(t, err)
}

func TestPostmarkNotifier_SendsPlainTextDigest(t *testing.T) {
	client := &fakeClient{}
	n := newPostmarkNotifier(client, users{"u1": "ann@example.com"}, "tasks@example.com")

	require.NoError(t, n.Notify(context.Background(), "u1", []domain.TaskSummary{{Title: "a"}}))
	require.Len(t, client.sent, 1)
	e := client.sent[0]
	assert.Equal(t, "tasks@example.com", e.From)
	assert.Equal(t, "ann@example.com", e.To)
	assert.Equal(t, DigestSubject, e.Subject)
	assert.Equal(t, "You have the following tasks pending\n1) a\n", e.TextBody)
}

func TestPostmarkNotifier_Failures(t *testing.T) {
	ctx := context.Background()
	tasks := []domain.TaskSummary{{Title: "a"}}

	err := newPostmarkNotifier(&fakeClient{}, users{}, "f@example.com").Notify(ctx, "ghost", tasks)
	assert.ErrorIs(t, err, store.ErrNoUser)

	down := errors.New("dial tcp: timeout")
	err = newPostmarkNotifier(&fakeClient{err: down}, users{"u1": "a@example.com"}, "f@example.com").Notify(ctx, "u1", tasks)
	assert.ErrorIs(t, err, ErrFailedToSend)
	assert.ErrorIs(t, err, down)

	rejected := &fakeClient{resp: postmark.EmailResponse{ErrorCode: 406, Message: "inactive recipient"}}
	err = newPostmarkNotifier(rejected, users{"u1": "a@example.com"}, "f@example.com").Notify(ctx, "u1", tasks)
	assert.ErrorIs(t, err, ErrFailedToSend)
	assert.Contains(t, err.Error(), "inactive recipient")
}
