// Package source talks to the upstream listing API: paginated list requests,
// per-id detail requests in a given locale, admission through the shared rate
// limiter and retries through the shared backoff policy.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/config"
	apperrors "github.com/DanteTheCreator/real-estate-deployment/pkg/errors"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/metrics"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/resilience"
)

const (
	endpointList   = "list"
	endpointDetail = "detail"

	maxBodyBytes = 64 << 20
)

// Admitter gates outgoing requests.
type Admitter interface {
	Admit(ctx context.Context) error
}

// Filters are the query parameters sent with every list request.
type Filters struct {
	PageSize      int
	CurrencyID    int
	DealTypes     []int
	PropertyTypes []int
	Locale        string
}

// FiltersFromConfig builds the default filters for a source.
func FiltersFromConfig(cfg config.SourceConfig) Filters {
	return Filters{
		PageSize:      cfg.PageSize,
		CurrencyID:    cfg.CurrencyID,
		DealTypes:     cfg.DealTypes,
		PropertyTypes: cfg.PropertyTypes,
		Locale:        cfg.Locale,
	}
}

// Page is one list response.
type Page struct {
	Number    int
	Requested int
	Listings  []ingestion.Raw
}

// Counters is a snapshot of request accounting.
type Counters struct {
	APICalls       int64
	FailedRequests int64
}

// Client fetches pages and detail payloads. It is safe for concurrent use.
type Client struct {
	cfg     config.SourceConfig
	http    *http.Client
	limiter Admitter
	backoff *resilience.Backoff
	metrics *metrics.Metrics
	logger  *slog.Logger

	uaMu      sync.Mutex
	userAgent string

	detailGroup singleflight.Group

	apiCalls       atomic.Int64
	failedRequests atomic.Int64
}

// NewClient wires a client. A nil httpClient gets one with the configured
// timeout.
func NewClient(cfg config.SourceConfig, httpClient *http.Client, limiter Admitter, backoff *resilience.Backoff, m *metrics.Metrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	ua := ""
	if len(cfg.UserAgents) > 0 {
		ua = cfg.UserAgents[0]
	}
	return &Client{
		cfg:       cfg,
		http:      httpClient,
		limiter:   limiter,
		backoff:   backoff,
		metrics:   m,
		userAgent: ua,
		logger:    slog.Default().With("component", "source-client", "source", cfg.Name),
	}
}

// Source returns the configured source tag.
func (c *Client) Source() string {
	return c.cfg.Name
}

// Counters returns request totals since the client was created.
func (c *Client) Counters() Counters {
	return Counters{
		APICalls:       c.apiCalls.Load(),
		FailedRequests: c.failedRequests.Load(),
	}
}

type listEnvelope struct {
	Result bool `json:"result"`
	Data   struct {
		Data []json.RawMessage `json:"data"`
	} `json:"data"`
}

type detailEnvelope struct {
	Result bool `json:"result"`
	Data   struct {
		Statement json.RawMessage `json:"statement"`
	} `json:"data"`
}

// FetchPage requests one page. Failures after the backoff policy is
// exhausted are returned as ErrNetwork.
func (c *Client) FetchPage(ctx context.Context, page int, f Filters) (*Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(f.PageSize))
	if f.CurrencyID > 0 {
		q.Set("currency_id", strconv.Itoa(f.CurrencyID))
	}
	if len(f.DealTypes) > 0 {
		q.Set("deal_types", joinInts(f.DealTypes))
	}
	if len(f.PropertyTypes) > 0 {
		q.Set("real_estate_types", joinInts(f.PropertyTypes))
	}
	endpoint := c.cfg.ListURL + "?" + q.Encode()

	var env listEnvelope
	op := fmt.Sprintf("fetch page %d", page)
	err := c.backoff.Do(ctx, op, func(ctx context.Context) error {
		body, err := c.get(ctx, endpointList, endpoint, f.Locale)
		if err != nil {
			return err
		}
		env = listEnvelope{}
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("decoding page %d: %w", page, err)
		}
		if !env.Result {
			return fmt.Errorf("page %d: upstream reported result=false", page)
		}
		return nil
	})
	if err != nil {
		return nil, networkError(ctx, err, "fetching page %d", page)
	}

	fetchedAt := time.Now().UTC()
	out := &Page{Number: page, Requested: f.PageSize, Listings: make([]ingestion.Raw, 0, len(env.Data.Data))}
	for i, item := range env.Data.Data {
		out.Listings = append(out.Listings, ingestion.Raw{
			Source:     c.cfg.Name,
			ExternalID: peekID(item),
			Payload:    item,
			Page:       page,
			Position:   i,
			FetchedAt:  fetchedAt,
		})
	}
	c.logger.Debug("page fetched", "page", page, "listings", len(out.Listings))
	return out, nil
}

// FetchDetail requests a single listing in the given locale. Concurrent
// requests for the same id and locale share one upstream call.
func (c *Client) FetchDetail(ctx context.Context, externalID, locale string) (json.RawMessage, error) {
	key := externalID + "|" + locale
	v, err, _ := c.detailGroup.Do(key, func() (any, error) {
		return c.fetchDetail(ctx, externalID, locale)
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (c *Client) fetchDetail(ctx context.Context, externalID, locale string) (json.RawMessage, error) {
	endpoint := strings.TrimRight(c.cfg.DetailURL, "/") + "/" + url.PathEscape(externalID)
	var statement json.RawMessage
	op := fmt.Sprintf("fetch detail %s/%s", externalID, locale)
	err := c.backoff.Do(ctx, op, func(ctx context.Context) error {
		body, err := c.get(ctx, endpointDetail, endpoint, locale)
		if err != nil {
			return err
		}
		var env detailEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("decoding detail %s: %w", externalID, err)
		}
		if !env.Result || len(env.Data.Statement) == 0 || bytes.Equal(env.Data.Statement, []byte("null")) {
			return resilience.Permanent(fmt.Errorf("detail %s: no statement in response", externalID))
		}
		statement = env.Data.Statement
		return nil
	})
	if err != nil {
		return nil, networkError(ctx, err, "fetching detail %s in %s", externalID, locale)
	}
	return statement, nil
}

// get performs one admitted HTTP attempt. 429 and 5xx responses are
// retryable, any other non-2xx status is permanent.
func (c *Client) get(ctx context.Context, endpoint, rawURL, locale string) ([]byte, error) {
	if err := c.limiter.Admit(ctx); err != nil {
		return nil, resilience.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("building request: %w", err))
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if locale != "" {
		req.Header.Set("locale", locale)
	}
	if ua := c.nextUserAgent(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	c.apiCalls.Add(1)
	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		c.failedRequests.Add(1)
		c.metrics.APIRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		if ctx.Err() != nil {
			return nil, resilience.Permanent(err)
		}
		return nil, fmt.Errorf("requesting %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	c.metrics.APIRequestsTotal.WithLabelValues(endpoint, statusClass(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.failedRequests.Add(1)
		return nil, fmt.Errorf("reading %s response: %w", endpoint, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	c.failedRequests.Add(1)
	statusErr := fmt.Errorf("%s returned HTTP %d", endpoint, resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, statusErr
	}
	return nil, resilience.Permanent(statusErr)
}

// nextUserAgent occasionally swaps the user agent for another configured one.
func (c *Client) nextUserAgent() string {
	c.uaMu.Lock()
	defer c.uaMu.Unlock()
	if len(c.cfg.UserAgents) > 1 && rand.Float64() < c.cfg.UserAgentRotation {
		c.userAgent = c.cfg.UserAgents[rand.IntN(len(c.cfg.UserAgents))]
		c.logger.Debug("rotated user agent")
	}
	return c.userAgent
}

func networkError(ctx context.Context, err error, format string, args ...any) error {
	if ctx.Err() != nil {
		return apperrors.Wrapf(apperrors.ErrCancelled, err, format, args...)
	}
	return apperrors.Wrapf(apperrors.ErrNetwork, err, format, args...)
}

// peekID extracts the listing id, which the API sends as a number or a string.
func peekID(payload json.RawMessage) string {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &head); err != nil || len(head.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(head.ID, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(head.ID, &n); err == nil {
		return n.String()
	}
	return ""
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
