package notifier

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/IliaW/url-watcher/config"
	"github.com/IliaW/url-watcher/internal/model"
)

var ErrEwsResponse = errors.New("ews request failed")

// EwsTransport sends through Exchange Web Services. The session is created on the first
// Send and reused for the lifetime of the transport.
type EwsTransport struct {
	cfg        *config.EwsConfig
	httpClient *http.Client
	log        *slog.Logger

	mu      sync.Mutex
	session *ewsSession
}

type ewsSession struct {
	endpoint string
	username string
	password string
	mailbox  string
	client   *http.Client
}

func NewEwsTransport(cfg *config.EwsConfig, httpClient *http.Client, log *slog.Logger) *EwsTransport {
	return &EwsTransport{cfg: cfg, httpClient: httpClient, log: log}
}

func (t *EwsTransport) Name() string {
	return "ews"
}

func (t *EwsTransport) account() (*ewsSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		return t.session, nil
	}

	endpoint, err := ewsEndpoint(t.cfg.Server)
	if err != nil {
		return nil, err
	}
	t.log.Info("connecting to ews...", slog.String("endpoint", endpoint),
		slog.String("mailbox", t.cfg.PrimarySmtpAddress))
	t.session = &ewsSession{
		endpoint: endpoint,
		username: t.cfg.Username,
		password: t.cfg.Password,
		mailbox:  t.cfg.PrimarySmtpAddress,
		client:   t.httpClient,
	}
	return t.session, nil
}

// ewsEndpoint accepts a bare host name or a full service URL.
func ewsEndpoint(server string) (string, error) {
	if !strings.Contains(server, "://") {
		server = "https://" + server + "/EWS/Exchange.asmx"
	}
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid ews server %q", server)
	}
	return u.String(), nil
}

// Send creates the message with disposition SendAndSaveCopy, which also files it in the mailbox's Sent Items.
func (t *EwsTransport) Send(ctx context.Context, n *model.Notification) error {
	s, err := t.account()
	if err != nil {
		return err
	}

	payload, err := xml.Marshal(newCreateItemEnvelope(s.mailbox, n))
	if err != nil {
		return fmt.Errorf("encode ews request: %w", err)
	}
	payload = append([]byte(xml.Header), payload...)
	if t.cfg.Echo {
		t.log.Debug("ews request.", slog.String("endpoint", s.endpoint), slog.String("body", string(payload)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create ews request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.SetBasicAuth(s.username, s.password)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ews request: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err = Body.Close(); err != nil {
			t.log.Warn("failed to close the response body.", slog.String("err", err.Error()))
		}
	}(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read ews response: %w", err)
	}
	if t.cfg.Echo {
		t.log.Debug("ews response.", slog.Int("status", resp.StatusCode), slog.String("body", string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http %d: %s", ErrEwsResponse, resp.StatusCode, truncate(string(body), 512))
	}

	var envelope createItemResponseEnvelope
	if err = xml.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode ews response: %w", err)
	}
	messages := envelope.Body.CreateItemResponse.ResponseMessages.Messages
	if len(messages) == 0 {
		return fmt.Errorf("%w: empty response", ErrEwsResponse)
	}
	for _, m := range messages {
		if m.ResponseClass != "Success" {
			return fmt.Errorf("%w: %s %s: %s", ErrEwsResponse, m.ResponseClass, m.ResponseCode, m.MessageText)
		}
	}
	t.log.Debug("ews message sent.", slog.String("subject", n.Subject), slog.Any("to", n.To), slog.Any("bcc", n.Bcc))

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type createItemEnvelope struct {
	XMLName xml.Name   `xml:"soap:Envelope"`
	XmlnsS  string     `xml:"xmlns:soap,attr"`
	XmlnsT  string     `xml:"xmlns:t,attr"`
	XmlnsM  string     `xml:"xmlns:m,attr"`
	Header  soapHeader `xml:"soap:Header"`
	Body    soapBody   `xml:"soap:Body"`
}

type soapHeader struct {
	Version struct {
		Version string `xml:"Version,attr"`
	} `xml:"t:RequestServerVersion"`
}

type soapBody struct {
	CreateItem createItem `xml:"m:CreateItem"`
}

type createItem struct {
	MessageDisposition string `xml:"MessageDisposition,attr"`
	SavedItemFolderId  struct {
		DistinguishedFolderId struct {
			Id      string     `xml:"Id,attr"`
			Mailbox ewsMailbox `xml:"t:Mailbox"`
		} `xml:"t:DistinguishedFolderId"`
	} `xml:"m:SavedItemFolderId"`
	Items struct {
		Message ewsMessage `xml:"t:Message"`
	} `xml:"m:Items"`
}

type ewsMessage struct {
	Subject string `xml:"t:Subject"`
	Body    struct {
		BodyType string `xml:"BodyType,attr"`
		Text     string `xml:",chardata"`
	} `xml:"t:Body"`
	ToRecipients  *ewsRecipients `xml:"t:ToRecipients,omitempty"`
	BccRecipients *ewsRecipients `xml:"t:BccRecipients,omitempty"`
	From          *ewsFrom       `xml:"t:From,omitempty"`
}

type ewsFrom struct {
	Mailbox ewsMailbox `xml:"t:Mailbox"`
}

type ewsRecipients struct {
	Mailbox []ewsMailbox `xml:"t:Mailbox"`
}

type ewsMailbox struct {
	EmailAddress string `xml:"t:EmailAddress"`
}

func recipients(addresses []string) *ewsRecipients {
	if len(addresses) == 0 {
		return nil
	}
	r := &ewsRecipients{}
	for _, a := range addresses {
		r.Mailbox = append(r.Mailbox, ewsMailbox{EmailAddress: a})
	}
	return r
}

func newCreateItemEnvelope(mailbox string, n *model.Notification) *createItemEnvelope {
	env := &createItemEnvelope{
		XmlnsS: "http://schemas.xmlsoap.org/soap/envelope/",
		XmlnsT: "http://schemas.microsoft.com/exchange/services/2006/types",
		XmlnsM: "http://schemas.microsoft.com/exchange/services/2006/messages",
	}
	env.Header.Version.Version = "Exchange2010_SP2"

	ci := &env.Body.CreateItem
	ci.MessageDisposition = "SendAndSaveCopy"
	ci.SavedItemFolderId.DistinguishedFolderId.Id = "sentitems"
	ci.SavedItemFolderId.DistinguishedFolderId.Mailbox.EmailAddress = mailbox

	msg := &ci.Items.Message
	msg.Subject = n.Subject
	msg.Body.BodyType = "Text"
	msg.Body.Text = n.Body
	msg.ToRecipients = recipients(n.To)
	msg.BccRecipients = recipients(n.Bcc)
	msg.From = &ewsFrom{Mailbox: ewsMailbox{EmailAddress: mailbox}}

	return env
}

type createItemResponseEnvelope struct {
	Body struct {
		CreateItemResponse struct {
			ResponseMessages struct {
				Messages []struct {
					ResponseClass string `xml:"ResponseClass,attr"`
					ResponseCode  string `xml:"ResponseCode"`
					MessageText   string `xml:"MessageText"`
				} `xml:"CreateItemResponseMessage"`
			} `xml:"ResponseMessages"`
		} `xml:"CreateItemResponse"`
	} `xml:"Body"`
}
