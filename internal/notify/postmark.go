package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"

	"duetrack/internal/domain"
)

type PostmarkConfig struct {
	ServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	AccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail  string `env:"SENDER_EMAIL"`
}

// EmailLookup resolves an owner's address.
type EmailLookup interface {
	Email(ctx context.Context, ownerID string) (string, error)
}

type emailClient interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkNotifier mails the plain-text digest through Postmark.
type PostmarkNotifier struct {
	client emailClient
	users  EmailLookup
	from   string
}

func NewPostmarkNotifier(cfg PostmarkConfig, users EmailLookup) (*PostmarkNotifier, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: POSTMARK_SERVER_TOKEN is required", ErrInvalidConfig)
	}
	if cfg.AccountToken == "" {
		return nil, fmt.Errorf("%w: POSTMARK_ACCOUNT_TOKEN is required", ErrInvalidConfig)
	}
	if cfg.SenderEmail == "" {
		return nil, fmt.Errorf("%w: SENDER_EMAIL is required", ErrInvalidConfig)
	}
	return newPostmarkNotifier(postmark.NewClient(cfg.ServerToken, cfg.AccountToken), users, cfg.SenderEmail), nil
}

func newPostmarkNotifier(client emailClient, users EmailLookup, from string) *PostmarkNotifier {
	return &PostmarkNotifier{client: client, users: users, from: from}
}

func (n *PostmarkNotifier) Notify(ctx context.Context, ownerID string, tasks []domain.TaskSummary) error {
	to, err := n.users.Email(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("resolve address for %s: %w", ownerID, err)
	}
	resp, err := n.client.SendEmail(ctx, postmark.Email{
		From:     n.from,
		To:       to,
		Subject:  DigestSubject,
		Tag:      "digest",
		TextBody: RenderDigest(tasks),
	})
	if err != nil {
		return errors.Join(ErrFailedToSend, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrFailedToSend, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}
