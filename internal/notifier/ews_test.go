package notifier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/IliaW/url-watcher/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ewsSuccess = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <m:CreateItemResponse xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
      <m:ResponseMessages>
        <m:CreateItemResponseMessage ResponseClass="Success">
          <m:ResponseCode>NoError</m:ResponseCode>
          <m:Items/>
        </m:CreateItemResponseMessage>
      </m:ResponseMessages>
    </m:CreateItemResponse>
  </s:Body>
</s:Envelope>`

const ewsError = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <m:CreateItemResponse xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
      <m:ResponseMessages>
        <m:CreateItemResponseMessage ResponseClass="Error">
          <m:MessageText>The recipient is invalid.</m:MessageText>
          <m:ResponseCode>ErrorInvalidRecipients</m:ResponseCode>
        </m:CreateItemResponseMessage>
      </m:ResponseMessages>
    </m:CreateItemResponse>
  </s:Body>
</s:Envelope>`

func newTestEws(t *testing.T, handler http.HandlerFunc) (*EwsTransport, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tr := NewEwsTransport(&config.EwsConfig{
		Server:             srv.URL + "/EWS/Exchange.asmx",
		PrimarySmtpAddress: "watcher@example.test",
		Username:           "DOMAIN\\watcher",
		Password:           "secret",
		Echo:               true,
	}, srv.Client(), discardLogger())
	return tr, srv
}

func TestEwsSend(t *testing.T) {
	var body string
	tr, _ := newTestEws(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "DOMAIN\\watcher", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "/EWS/Exchange.asmx", r.URL.Path)
		assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "text/xml"))
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		_, _ = w.Write([]byte(ewsSuccess))
	})

	n := testNotification()
	n.Body = "diff with <markup> & ampersand"
	require.NoError(t, tr.Send(context.Background(), n))

	assert.Contains(t, body, `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"`)
	assert.Contains(t, body, `<m:CreateItem MessageDisposition="SendAndSaveCopy">`)
	assert.Contains(t, body, `<t:DistinguishedFolderId Id="sentitems"><t:Mailbox><t:EmailAddress>watcher@example.test</t:EmailAddress>`)
	assert.Contains(t, body, `<t:Subject>Change detected at: https://example.test/page</t:Subject>`)
	assert.Contains(t, body, `<t:Body BodyType="Text">diff with &lt;markup&gt; &amp; ampersand</t:Body>`)
	assert.Contains(t, body, `<t:ToRecipients><t:Mailbox><t:EmailAddress>ops@example.test</t:EmailAddress></t:Mailbox>`+
		`<t:Mailbox><t:EmailAddress>dev@example.test</t:EmailAddress></t:Mailbox></t:ToRecipients>`)
	assert.Contains(t, body, `<t:BccRecipients><t:Mailbox><t:EmailAddress>audit@example.test</t:EmailAddress></t:Mailbox></t:BccRecipients>`)
}

func TestEwsSend_ReusesSession(t *testing.T) {
	calls := 0
	tr, _ := newTestEws(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(ewsSuccess))
	})

	require.Nil(t, tr.session)
	require.NoError(t, tr.Send(context.Background(), testNotification()))
	first := tr.session
	require.NotNil(t, first)
	require.NoError(t, tr.Send(context.Background(), testNotification()))

	assert.Same(t, first, tr.session)
	assert.Equal(t, 2, calls)
}

func TestEwsSend_ErrorResponse(t *testing.T) {
	tr, _ := newTestEws(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(ewsError))
	})

	err := tr.Send(context.Background(), testNotification())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEwsResponse))
	assert.Contains(t, err.Error(), "ErrorInvalidRecipients")
}

func TestEwsSend_HttpError(t *testing.T) {
	tr, _ := newTestEws(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := tr.Send(context.Background(), testNotification())
	require.ErrorIs(t, err, ErrEwsResponse)
	assert.Contains(t, err.Error(), "401")
}

func TestEwsEndpoint(t *testing.T) {
	endpoint, err := ewsEndpoint("mail.example.test")
	require.NoError(t, err)
	assert.Equal(t, "https://mail.example.test/EWS/Exchange.asmx", endpoint)

	endpoint, err = ewsEndpoint("http://127.0.0.1:8080/EWS/Exchange.asmx")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080/EWS/Exchange.asmx", endpoint)

	_, err = ewsEndpoint("https://")
	require.Error(t, err)
}
