// Package notifier turns a detected change into an audit trail and a diff message,
// and hands that message to every configured transport.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/IliaW/url-watcher/config"
	"github.com/IliaW/url-watcher/internal/model"
	"github.com/pmezard/go-difflib/difflib"
)

const diffContextLines = 3

// Transport delivers a notification. A failing transport never stops the others.
type Transport interface {
	Name() string
	Send(context.Context, *model.Notification) error
}

type Notifier struct {
	transports []Transport
	mail       *config.MailConfig
	auditDir   string
	now        func() time.Time
	log        *slog.Logger
}

func New(mail *config.MailConfig, auditDir string, log *slog.Logger, transports ...Transport) *Notifier {
	if mail == nil {
		mail = &config.MailConfig{}
	}
	if auditDir == "" {
		auditDir = "."
	}
	return &Notifier{
		transports: transports,
		mail:       mail,
		auditDir:   auditDir,
		now:        time.Now,
		log:        log,
	}
}

// Notify writes the old/new audit files and then dispatches the diff. If the audit files
// can't be written nothing is sent and the error is returned, so the caller can retry later.
// Transport failures are only logged.
func (n *Notifier) Notify(ctx context.Context, event *model.ChangeEvent) error {
	if err := n.writeAuditFiles(event); err != nil {
		return err
	}

	notification := n.Format(event)
	for _, t := range n.transports {
		if err := t.Send(ctx, notification); err != nil {
			n.log.Error("could not send notification.", slog.String("transport", t.Name()),
				slog.String("url", event.URL), slog.Any("to", n.mail.ToRecipients),
				slog.Any("bcc", n.mail.BccRecipients), slog.String("err", err.Error()))
			continue
		}
		n.log.Debug("notification sent.", slog.String("transport", t.Name()), slog.String("url", event.URL))
	}

	return nil
}

func (n *Notifier) Format(event *model.ChangeEvent) *model.Notification {
	subject := Subject(event.URL)
	diff := Diff(event.OldText, event.NewText)
	return &model.Notification{
		Subject: subject,
		Body:    subject + "\n\n" + diff,
		Diff:    diff,
		From:    n.mail.FromAddress,
		To:      n.mail.ToRecipients,
		Bcc:     n.mail.BccRecipients,
		Event:   event,
	}
}

func Subject(url string) string {
	return "Change detected at: " + url
}

// Diff renders a line based context diff with three lines of context.
func Diff(oldText, newText string) string {
	diff, err := difflib.GetContextDiffString(difflib.ContextDiff{
		A:        difflib.SplitLines(oldText),
		B:        difflib.SplitLines(newText),
		FromFile: "old",
		ToFile:   "new",
		Context:  diffContextLines,
	})
	if err != nil {
		// writes go to a bytes.Buffer
		return fmt.Sprintf("diff not available: %s", err)
	}
	return diff
}

func (n *Notifier) writeAuditFiles(event *model.ChangeEvent) error {
	stamp := AuditTimestamp(n.now())
	files := []struct {
		prefix  string
		content string
	}{
		{"old", event.OldText},
		{"new", event.NewText},
	}
	for _, f := range files {
		name := filepath.Join(n.auditDir, fmt.Sprintf("%s %s.txt", f.prefix, stamp))
		if err := os.WriteFile(name, []byte(event.URL+"\n"+f.content), 0o644); err != nil {
			return fmt.Errorf("write audit file: %w", err)
		}
		n.log.Debug("audit file written.", slog.String("file", name))
	}
	return nil
}

// AuditTimestamp formats local time down to the microsecond, e.g. "2024-05-01 13_04_05_123456".
func AuditTimestamp(t time.Time) string {
	return fmt.Sprintf("%s_%06d", t.Format("2006-01-02 15_04_05"), t.Nanosecond()/int(time.Microsecond))
}
