package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/IliaW/url-watcher/internal/model"
)

type Fetcher interface {
	Fetch(context.Context, *model.WatchTarget) *model.FetchResult
}

// HttpFetcher issues exactly one request per call. Errors are reported in the result, never returned.
type HttpFetcher struct {
	client    *http.Client
	userAgent string
	log       *slog.Logger
}

func NewHttpFetcher(client *http.Client, userAgent string, log *slog.Logger) *HttpFetcher {
	return &HttpFetcher{client: client, userAgent: userAgent, log: log}
}

func (f *HttpFetcher) Fetch(ctx context.Context, target *model.WatchTarget) *model.FetchResult {
	result := &model.FetchResult{URL: target.URL}

	var body io.Reader
	if target.IsCustom() && target.Body != "" {
		body = strings.NewReader(target.Body)
	}
	req, err := http.NewRequestWithContext(ctx, target.RequestMethod(), target.URL, body)
	if err != nil {
		result.Err = fmt.Errorf("create request: %w", err)
		return result
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if target.IsCustom() && target.ContentType != "" {
		req.Header.Set("Content-Type", target.ContentType)
	}

	f.log.Debug("get current data.", slog.String("url", target.URL), slog.String("method", req.Method))
	resp, err := f.client.Do(req)
	if err != nil {
		result.Err = fmt.Errorf("request failed: %w", err)
		return result
	}
	defer func(Body io.ReadCloser) {
		if err = Body.Close(); err != nil {
			f.log.Warn("failed to close the response body.", slog.String("err", err.Error()))
		}
	}(resp.Body)

	result.StatusCode = resp.StatusCode
	if resp.StatusCode > 299 {
		result.Err = fmt.Errorf("%w: %d", ErrUnsuccessfulStatus, resp.StatusCode)
		return result
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Err = fmt.Errorf("read body: %w", err)
		return result
	}
	result.Body = string(raw)

	return result
}
