package model

import (
	"net/http"
	"time"
)

type FetchStrategy string

const (
	StandardGet   FetchStrategy = "get"
	CustomRequest FetchStrategy = "custom"
)

// WatchTarget is a URL under surveillance. The URL is the primary key of the snapshot.
type WatchTarget struct {
	URL         string        `mapstructure:"url"`
	Strategy    FetchStrategy `mapstructure:"strategy"`
	Method      string        `mapstructure:"method"`
	Body        string        `mapstructure:"body"`
	ContentType string        `mapstructure:"content_type"`
}

func (t *WatchTarget) IsCustom() bool {
	return t.Strategy == CustomRequest
}

// RequestMethod returns POST for custom targets unless another method is configured.
func (t *WatchTarget) RequestMethod() string {
	if !t.IsCustom() {
		return http.MethodGet
	}
	if t.Method == "" {
		return http.MethodPost
	}
	return t.Method
}

// Snapshot maps a target URL to the last observed raw response text.
type Snapshot map[string]string

func (s Snapshot) Clone() Snapshot {
	c := make(Snapshot, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

type FetchResult struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (r *FetchResult) Success() bool {
	return r.Err == nil
}

type ChangeEvent struct {
	URL        string
	OldText    string
	NewText    string
	DetectedAt time.Time
}

// Notification is the formatted message handed to every transport.
type Notification struct {
	Subject string
	Body    string
	Diff    string
	From    string
	To      []string
	Bcc     []string
	Event   *ChangeEvent
}

// ChangeNotice is the payload published to message brokers.
type ChangeNotice struct {
	URL        string    `json:"url"`
	Subject    string    `json:"subject"`
	Diff       string    `json:"diff"`
	DetectedAt time.Time `json:"detected_at"`
}

func (n *Notification) Notice() *ChangeNotice {
	notice := &ChangeNotice{Subject: n.Subject, Diff: n.Diff}
	if n.Event != nil {
		notice.URL = n.Event.URL
		notice.DetectedAt = n.Event.DetectedAt
	}
	return notice
}
