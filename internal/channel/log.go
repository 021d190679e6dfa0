// Package channel holds the delivery channels outbox workers send through.
package channel

import (
	"context"
	"log/slog"

	"github.com/ent0n29/funnelbot/internal/outbox"
	"github.com/ent0n29/funnelbot/internal/policy"
)

// Log writes jobs to the structured log instead of a chat network. Contact
// identities and message text are masked.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Send(ctx context.Context, destination string, job outbox.Job) error {
	l.logger.InfoContext(ctx, "channel: outbound message",
		"job_id", job.ID,
		"destination", policy.MaskIdentity(destination),
		"kind", job.Kind,
		"text", policy.RedactText(job.Payload.Text),
		"url", job.Payload.URL,
		"stage", job.Metadata["stage"],
		"variant", job.Metadata["variant"],
	)
	return nil
}
