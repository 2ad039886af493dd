package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/metrics"
)

const (
	DefaultBaseURL            = "https://clinicaltrials.gov/api/v2"
	DefaultRateLimitPerMinute = 50
	// DefaultPageCeiling bounds request-time searches.
	DefaultPageCeiling = 20
	// MaxPageSize is the registry's own page size limit.
	MaxPageSize = 100
	// MaxLocations caps sites kept per trial.
	MaxLocations = 10

	StatusRecruiting = "RECRUITING"
)

type ClientConfig struct {
	BaseURL            string
	RateLimitPerMinute int
	PageCeiling        int
	MaxTries           uint
	InitialBackoff     time.Duration
	HTTPClient         *http.Client
	Logger             zerolog.Logger
	Metrics            *metrics.Metrics
}

// StudyQuery describes one registry search.
type StudyQuery struct {
	Condition string
	// Term is passed as query.term, for example an AREA[Phase] expression.
	Term      string
	Statuses  []string
	PageSize  int
	PageToken string
}

// StudyPage is one page of parsed results.
type StudyPage struct {
	Trials        []clinical.TrialRecord
	NextPageToken string
}

// Client talks to the ClinicalTrials.gov v2 API.
type Client struct {
	cfg     ClientConfig
	limiter *rate.Limiter
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if cfg.PageCeiling <= 0 || cfg.PageCeiling > MaxPageSize {
		cfg.PageCeiling = DefaultPageCeiling
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 4
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	interval := time.Minute / time.Duration(cfg.RateLimitPerMinute)
	return &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// PageCeiling is the largest page a request-time search may ask for.
func (c *Client) PageCeiling() int { return c.cfg.PageCeiling }

// SearchStudies runs one query and returns the parsed page. Callers on the
// request path treat any error as "no candidates".
func (c *Client) SearchStudies(ctx context.Context, q StudyQuery) (StudyPage, error) {
	params := url.Values{}
	if cond := strings.TrimSpace(q.Condition); cond != "" {
		params.Set("query.cond", cond)
	}
	if term := strings.TrimSpace(q.Term); term != "" {
		params.Set("query.term", term)
	}
	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = []string{StatusRecruiting}
	}
	params.Set("filter.overallStatus", strings.Join(statuses, ","))
	params.Set("pageSize", strconv.Itoa(clampPageSize(q.PageSize, MaxPageSize)))
	params.Set("format", "json")
	if q.PageToken != "" {
		params.Set("pageToken", q.PageToken)
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/studies?" + params.Encode()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		return c.executeOnce(ctx, endpoint)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.RegistryRequest("retry")
			c.log.Warn().Err(err).Str("condition", q.Condition).Dur("retry_in", next).Msg("registry_request_retry")
		}),
	)
	if err != nil {
		c.metrics.RegistryRequest("error")
		return StudyPage{}, fmt.Errorf("registry search %q: %w", q.Condition, err)
	}

	var resp struct {
		Studies       []map[string]any `json:"studies"`
		NextPageToken string           `json:"nextPageToken"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		c.metrics.RegistryRequest("error")
		return StudyPage{}, fmt.Errorf("decode registry response: %w", err)
	}
	c.metrics.RegistryRequest("ok")

	page := StudyPage{Trials: make([]clinical.TrialRecord, 0, len(resp.Studies)), NextPageToken: resp.NextPageToken}
	for _, raw := range resp.Studies {
		tr := ParseStudy(raw)
		if tr.NCTID == "" {
			continue
		}
		page.Trials = append(page.Trials, tr)
	}
	return page, nil
}

func (c *Client) executeOnce(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 8<<20))

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		if secs := parseRetryAfter(res.Header.Get("Retry-After")); secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, &StatusError{Code: res.StatusCode}
	case res.StatusCode >= 500:
		return nil, &StatusError{Code: res.StatusCode}
	case res.StatusCode >= 400:
		return nil, backoff.Permanent(&StatusError{Code: res.StatusCode, Body: truncate(string(b), 300)})
	}
	return b, nil
}

// StatusError is a non-2xx registry response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status code: %d", e.Code)
	}
	return fmt.Sprintf("status code: %d body=%s", e.Code, e.Body)
}

func parseRetryAfter(v string) int {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}

func clampPageSize(n, ceiling int) int {
	if n <= 0 || n > ceiling {
		return ceiling
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// GetStudy fetches one study by NCT id. A 404 maps to a not-found error.
func (c *Client) GetStudy(ctx context.Context, nctID string) (clinical.TrialRecord, error) {
	nctID = strings.ToUpper(strings.TrimSpace(nctID))
	if nctID == "" {
		return clinical.TrialRecord{}, clinical.InvalidInput("empty trial identifier")
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/studies/" + url.PathEscape(nctID) + "?format=json"
	if err := c.limiter.Wait(ctx); err != nil {
		return clinical.TrialRecord{}, err
	}
	body, err := c.executeOnce(ctx, endpoint)
	if err != nil {
		c.metrics.RegistryRequest("error")
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return clinical.TrialRecord{}, clinical.NotFound("trial", nctID)
		}
		return clinical.TrialRecord{}, fmt.Errorf("registry get %s: %w", nctID, err)
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		c.metrics.RegistryRequest("error")
		return clinical.TrialRecord{}, fmt.Errorf("decode study %s: %w", nctID, err)
	}
	c.metrics.RegistryRequest("ok")
	tr := ParseStudy(raw)
	if tr.NCTID == "" {
		return clinical.TrialRecord{}, clinical.NotFound("trial", nctID)
	}
	return tr, nil
}
