// Package feed is the client for the paginated killboard feed. Pages are
// newest-first; page 1 carries the most recent records for an entity.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/killfeedproject/killfeed/internal/common/killfeederrors"
	"github.com/killfeedproject/killfeed/internal/killfeed/breaker"
	"github.com/killfeedproject/killfeed/internal/killfeed/model"
	"github.com/killfeedproject/killfeed/internal/killfeed/ratelimit"
	"github.com/killfeedproject/killfeed/internal/killfeed/retry"
)

// ServiceName keys the feed's shared limiter and breaker instances.
const ServiceName = "feed"

// Config holds the transport-level settings for the feed client.
type Config struct {
	BaseURL     string
	UserAgent   string
	HTTPTimeout time.Duration
}

// Client fetches killmail refs from the feed. Every outbound call passes
// through the shared rate limiter, then the circuit breaker, then the retry
// executor, in that order.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	retryOpts  retry.Options
}

func NewClient(config Config, limiter *ratelimit.Limiter, brk *breaker.Breaker, retryOpts retry.Options) (*Client, error) {
	base := strings.TrimSpace(config.BaseURL)
	if base == "" {
		return nil, errors.New("feed base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, errors.Wrapf(err, "invalid feed base URL %q", base)
	}
	timeout := config.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
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
	}, nil
}

// FetchPage returns the validated refs on one feed page for an entity.
// Malformed records are dropped with a warning rather than failing the page.
func (c *Client) FetchPage(ctx context.Context, entityID int64, page int) ([]model.KillmailRef, error) {
	if page < 1 {
		return nil, errors.Errorf("feed pages start at 1, got %d", page)
	}
	requestURL := fmt.Sprintf("%s/records/%d/page/%d", c.baseURL, entityID, page)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	refs, err := breaker.Do(ctx, c.breaker, func(ctx context.Context) ([]model.KillmailRef, error) {
		return retry.Do(ctx, c.retryOpts, func(ctx context.Context) ([]model.KillmailRef, error) {
			body, err := c.get(ctx, requestURL)
			if err != nil {
				return nil, err
			}
			return decodeRefs(body, requestURL)
		})
	})
	if err != nil {
		return nil, err
	}

	valid := make([]model.KillmailRef, 0, len(refs))
	for _, ref := range refs {
		if err := ref.Validate(); err != nil {
			log.WithError(err).Warnf("Dropping malformed feed record on page %d for entity %d", page, entityID)
			continue
		}
		valid = append(valid, ref)
	}
	return valid, nil
}

// FetchSummary resolves a single killmail ref by id, for ingestion outside a
// backfill page. Absent ids map to ErrNotFound.
func (c *Client) FetchSummary(ctx context.Context, killmailID int64) (*model.KillmailRef, error) {
	requestURL := fmt.Sprintf("%s/records/%d", c.baseURL, killmailID)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return breaker.Do(ctx, c.breaker, func(ctx context.Context) (*model.KillmailRef, error) {
		return retry.Do(ctx, c.retryOpts, func(ctx context.Context) (*model.KillmailRef, error) {
			body, err := c.get(ctx, requestURL)
			if err != nil {
				var httpErr *killfeederrors.ErrHTTPStatus
				if errors.As(err, &httpErr) && httpErr.Code == http.StatusNotFound {
					return nil, &killfeederrors.ErrNotFound{Type: "killmail ref", Value: fmt.Sprintf("%d", killmailID)}
				}
				return nil, err
			}
			ref, err := decodeRef(body, requestURL)
			if err != nil {
				return nil, err
			}
			if err := ref.Validate(); err != nil {
				return nil, err
			}
			if ref.ID != killmailID {
				return nil, &killfeederrors.ErrValidation{
					Type:    "killmail ref",
					Value:   requestURL,
					Message: fmt.Sprintf("feed returned id %d for requested id %d", ref.ID, killmailID),
				}
			}
			return ref, nil
		})
	})
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

// decodeRefs accepts a page either bare or wrapped in {"records": [...]}.
func decodeRefs(body []byte, requestURL string) ([]model.KillmailRef, error) {
	var wrapped struct {
		Records []model.KillmailRef `json:"records"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Records != nil {
		return wrapped.Records, nil
	}
	var refs []model.KillmailRef
	if err := json.Unmarshal(body, &refs); err != nil {
		return nil, &killfeederrors.ErrValidation{Type: "killmail page", Value: requestURL, Message: err.Error()}
	}
	return refs, nil
}

// decodeRef accepts a single ref either bare or wrapped in {"record": {...}}.
func decodeRef(body []byte, requestURL string) (*model.KillmailRef, error) {
	var wrapped struct {
		Record *model.KillmailRef `json:"record"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Record != nil {
		return wrapped.Record, nil
	}
	var ref model.KillmailRef
	if err := json.Unmarshal(body, &ref); err != nil {
		return nil, &killfeederrors.ErrValidation{Type: "killmail ref", Value: requestURL, Message: err.Error()}
	}
	return &ref, nil
}
