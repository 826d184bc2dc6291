package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"asyncdb/internal/config"
)

// Notification describes a finished export job.
type Notification struct {
	To       string
	JobID    string
	URL      string
	Rows     int64
	Duration time.Duration
	// Err is set when the export failed; URL is empty then.
	Err error
}

func (n Notification) subject() string {
	if n.Err != nil {
		return "Your Database Export Failed"
	}
	return "Your Database Export is Ready"
}

func (n Notification) body() string {
	if n.Err != nil {
		return fmt.Sprintf("Hello,\n\nYour export job %s has failed.\n\nError: %v\n", n.JobID, n.Err)
	}
	return fmt.Sprintf("Hello,\n\nYour export job %s has completed successfully.\n\nStats: %d rows in %s\n\nDownload Link:\n%s\n\nThis link will expire depending on your storage policy.\n",
		n.JobID, n.Rows, n.Duration.Round(time.Millisecond), n.URL)
}

// Sender delivers export notifications.
type Sender interface {
	SendExportNotification(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log instead of sending mail.
type LogSender struct{}

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (s *LogSender) SendExportNotification(ctx context.Context, n Notification) error {
	slog.Info("EMAIL SENT",
		"to", n.To,
		"subject", n.subject(),
		"job_id", n.JobID,
		"url", n.URL,
		"rows", n.Rows,
	)
	return nil
}

// New returns an SMTP sender when SMTP_HOST is configured and a LogSender
// otherwise.
func New(cfg *config.Config) Sender {
	if cfg.SMTPHost == "" {
		return NewLogSender()
	}
	return NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom)
}
