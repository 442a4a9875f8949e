// Package detail is the client for the authoritative killmail detail service.
// The service keys killmails on (id, integrity hash); responses are immutable,
// so successful fetches are cached for a short TTL.
package detail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/killfeedproject/killfeed/internal/common/killfeederrors"
	"github.com/killfeedproject/killfeed/internal/killfeed/breaker"
	"github.com/killfeedproject/killfeed/internal/killfeed/model"
	"github.com/killfeedproject/killfeed/internal/killfeed/ratelimit"
	"github.com/killfeedproject/killfeed/internal/killfeed/retry"
)

// ServiceName keys the detail service's limiter and breaker instances, which
// are separate from the feed's.
const ServiceName = "detail"

const defaultCacheTTL = 5 * time.Minute

// Config holds the transport-level settings for the detail client.
type Config struct {
	BaseURL     string
	UserAgent   string
	HTTPTimeout time.Duration
	// How long fetched details stay cached; zero means the default TTL
	CacheTTL time.Duration
}

// Client fetches killmail details. Calls pass through the detail service's
// own rate limiter, circuit breaker, and retry budget.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	retryOpts  retry.Options
	cache      *cache.Cache
}

func NewClient(config Config, limiter *ratelimit.Limiter, brk *breaker.Breaker, retryOpts retry.Options) (*Client, error) {
	base := strings.TrimSpace(config.BaseURL)
	if base == "" {
		return nil, errors.New("detail base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, errors.Wrapf(err, "invalid detail base URL %q", base)
	}
	timeout := config.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if retryOpts.Service == "" {
		retryOpts.Service = ServiceName
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		userAgent:  config.UserAgent,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		breaker:    brk,
		retryOpts:  retryOpts,
		cache:      cache.New(ttl, 2*ttl),
	}, nil
}

// Fetch returns the validated detail payload for (killmailID, hash). Repeated
// fetches within the cache TTL do not touch the network. Missing killmails map
// to ErrNotFound and are never retried.
func (c *Client) Fetch(ctx context.Context, killmailID int64, hash string) (*model.KillmailDetail, error) {
	if killmailID <= 0 {
		return nil, &killfeederrors.ErrValidation{Type: "killmail detail", Value: killmailID, Message: "id must be positive"}
	}
	if hash == "" {
		return nil, &killfeederrors.ErrValidation{Type: "killmail detail", Value: killmailID, Message: "integrity hash is required"}
	}

	key := cacheKey(killmailID, hash)
	if cached, ok := c.cache.Get(key); ok {
		return cached.(*model.KillmailDetail), nil
	}

	requestURL := fmt.Sprintf("%s/records/%d/%s", c.baseURL, killmailID, url.PathEscape(hash))

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	detail, err := breaker.Do(ctx, c.breaker, func(ctx context.Context) (*model.KillmailDetail, error) {
		return retry.Do(ctx, c.retryOpts, func(ctx context.Context) (*model.KillmailDetail, error) {
			body, err := c.get(ctx, requestURL)
			if err != nil {
				var httpErr *killfeederrors.ErrHTTPStatus
				if errors.As(err, &httpErr) && httpErr.Code == http.StatusNotFound {
					return nil, &killfeederrors.ErrNotFound{Type: "killmail detail", Value: key}
				}
				return nil, err
			}
			var detail model.KillmailDetail
			if err := json.Unmarshal(body, &detail); err != nil {
				return nil, &killfeederrors.ErrValidation{Type: "killmail detail", Value: requestURL, Message: err.Error()}
			}
			if err := detail.Validate(); err != nil {
				return nil, err
			}
			return &detail, nil
		})
	})
	if err != nil {
		return nil, err
	}

	c.cache.SetDefault(key, detail)
	return detail, nil
}

func (c *Client) get(ctx context.Context, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &killfeederrors.ErrHTTPStatus{Service: ServiceName, URL: requestURL, Code: resp.StatusCode}
	}
	return body, nil
}

func cacheKey(killmailID int64, hash string) string {
	return fmt.Sprintf("%d/%s", killmailID, hash)
}
