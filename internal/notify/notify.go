// Package notify delivers the daily digest of tasks due today.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"duetrack/internal/domain"
)

var (
	ErrInvalidConfig = errors.New("invalid notifier configuration")
	ErrFailedToSend  = errors.New("failed to send notification")
)

// DigestSubject is the subject line of every digest message.
const DigestSubject = "Pending tasks for today"

// Notifier tells one owner about their pending tasks.
type Notifier interface {
	Notify(ctx context.Context, ownerID string, tasks []domain.TaskSummary) error
}

// RenderDigest formats the plain-text digest body.
func RenderDigest(tasks []domain.TaskSummary) string {
	var b strings.Builder
	b.WriteString("You have the following tasks pending\n")
	for i, t := range tasks {
		fmt.Fprintf(&b, "%d) %s", i+1, t.Title)
		if t.Description != "" {
			b.WriteString(": " + t.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}
