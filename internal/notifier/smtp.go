package notifier

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IliaW/url-watcher/config"
	"github.com/IliaW/url-watcher/internal/model"
	"github.com/wneessen/go-mail"
)

const noBodyPlaceholder = "NO BODY DUE TO ERROR"

// sendFunc delivers one message to every To and Bcc recipient of msg.
type sendFunc func(ctx context.Context, msg *mail.Msg) error

type SmtpTransport struct {
	cfg  *config.SmtpConfig
	send sendFunc
	log  *slog.Logger
}

func NewSmtpTransport(cfg *config.SmtpConfig, log *slog.Logger) *SmtpTransport {
	t := &SmtpTransport{cfg: cfg, log: log}
	t.send = t.deliver
	return t
}

func (t *SmtpTransport) Name() string {
	return "smtp"
}

// Send tries once with the diff and, if that fails, once more with a placeholder body in case
// the body itself was the problem.
func (t *SmtpTransport) Send(ctx context.Context, n *model.Notification) error {
	msg, err := buildMessage(n, n.Body)
	if err != nil {
		return err
	}
	err = t.send(ctx, msg)
	if err == nil {
		t.log.Debug("mail sent.", slog.String("subject", n.Subject), slog.Any("to", n.To), slog.Any("bcc", n.Bcc))
		return nil
	}
	t.log.Error("could not send mail, retrying without body.", slog.String("subject", n.Subject),
		slog.Any("to", n.To), slog.Any("bcc", n.Bcc), slog.String("err", err.Error()))

	retry, buildErr := buildMessage(n, noBodyPlaceholder)
	if buildErr != nil {
		return buildErr
	}
	if retryErr := t.send(ctx, retry); retryErr != nil {
		return fmt.Errorf("could not send mail without body: %w", errors.Join(err, retryErr))
	}
	t.log.Warn("mail sent without body.", slog.String("subject", n.Subject), slog.Any("to", n.To))

	return nil
}

// buildMessage leaves header encoding to go-mail; Bcc recipients never appear in the headers.
func buildMessage(n *model.Notification, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(n.From); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", n.From, err)
	}
	if len(n.To) > 0 {
		if err := msg.To(n.To...); err != nil {
			return nil, fmt.Errorf("invalid recipient: %w", err)
		}
	}
	if len(n.Bcc) > 0 {
		if err := msg.Bcc(n.Bcc...); err != nil {
			return nil, fmt.Errorf("invalid bcc recipient: %w", err)
		}
	}
	msg.Subject(n.Subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	return msg, nil
}

// deliver upgrades to TLS when the server offers STARTTLS and authenticates when credentials are configured.
func (t *SmtpTransport) deliver(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(t.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTLSConfig(&tls.Config{ServerName: t.cfg.Server, InsecureSkipVerify: t.cfg.TlsInsecureSkipVerify}),
	}
	if t.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(t.cfg.Username),
			mail.WithPassword(t.cfg.Password))
	}
	client, err := mail.NewClient(t.cfg.Server, opts...)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}
	if err = client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send mail via %s: %w", t.cfg.Server, err)
	}

	return nil
}
