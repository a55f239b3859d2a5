package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/parcelgrid/enrich-cli/internal/registry"
	"github.com/parcelgrid/enrich-cli/internal/resilience"
)

// httpLimiter throttles lead-list downloads so repeated submits against the
// same host stay polite.
var httpLimiter = rate.NewLimiter(2, 2)

var httpClient = &http.Client{Timeout: 2 * time.Minute}

// fetchStatusError preserves the status code for the retry predicate.
type fetchStatusError struct {
	url    string
	status int
}

func (e *fetchStatusError) Error() string {
	return fmt.Sprintf("ingest: fetch %s: unexpected status %d", e.url, e.status)
}

// fetchRetry retries the download on network blips and retryable statuses.
// A 404 or 403 fails immediately: the list is not going to appear.
var fetchRetry = resilience.RetryConfig{
	MaxAttempts: 3,
	Base:        250 * time.Millisecond,
	ShouldRetry: func(err error) bool {
		var se *fetchStatusError
		if errors.As(err, &se) {
			return resilience.IsTransientHTTPStatus(se.status)
		}
		return resilience.IsTransient(err)
	},
	OnRetry: resilience.RetryLogger("ingest", "http fetch"),
}

// FromHTTP downloads a CSV lead list over HTTP(S).
func FromHTTP(ctx context.Context, rawURL string) ([]registry.Lead, error) {
	return resilience.DoVal(ctx, fetchRetry, func(ctx context.Context) ([]registry.Lead, error) {
		return fetchCSV(ctx, rawURL)
	})
}

func fetchCSV(ctx context.Context, rawURL string) ([]registry.Lead, error) {
	if err := httpLimiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "ingest: http rate limit")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: create request")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: fetch %s", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &fetchStatusError{url: rawURL, status: resp.StatusCode}
	}

	return FromCSV(ctx, resp.Body, rawURL)
}

// FromFTP downloads a CSV lead list from an FTP server using anonymous
// login.
func FromFTP(ctx context.Context, rawURL string) ([]registry.Lead, error) {
	host, path, err := parseFTPURL(rawURL)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("ingest: ftp connecting", zap.String("host", host), zap.String("path", path))

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(30*time.Second), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "ingest: ftp dial")
	}
	defer func() { _ = conn.Quit() }()

	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		return nil, eris.Wrap(err, "ingest: ftp login")
	}

	resp, err := conn.Retr(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: ftp retrieve")
	}
	defer resp.Close()

	return FromCSV(ctx, resp, rawURL)
}

// parseFTPURL extracts host (with port) and path from an FTP URL.
func parseFTPURL(rawURL string) (host string, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "ingest: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("ingest: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	path = u.Path
	if path == "" {
		return "", "", eris.New("ingest: empty path in ftp url")
	}

	return host, path, nil
}
