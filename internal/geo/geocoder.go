package geo

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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/joelkehle/trialsense/internal/clinical"
)

const (
	DefaultNominatimURL = "https://nominatim.openstreetmap.org"
	DefaultUserAgent    = "trialsense/1.0"
)

type GeocoderConfig struct {
	BaseURL        string
	UserAgent      string
	RequestsPerSec float64
	Concurrency    int
	MaxTries       uint
	InitialBackoff time.Duration
	CacheTTL       time.Duration
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

// Geocoder resolves city/country pairs against a Nominatim-compatible API.
// Lookups are rate limited, retried with exponential backoff, and memoized
// (including misses) for CacheTTL.
type Geocoder struct {
	cfg     GeocoderConfig
	limiter *rate.Limiter
	cache   *gocache.Cache
	log     zerolog.Logger
}

func NewGeocoder(cfg GeocoderConfig) *Geocoder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNominatimURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 4
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Geocoder{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		cache:   gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		log:     cfg.Logger,
	}
}

type nominatimPlace struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// errNoMatch marks a lookup the service answered with zero places.
var errNoMatch = errors.New("no geocoding match")

// Lookup returns the coordinate for a place, or nil when the service has no
// match. Errors are transport failures after retries.
func (g *Geocoder) Lookup(ctx context.Context, city, state, country string) (*clinical.Coordinate, error) {
	query := placeQuery(city, state, country)
	if query == "" {
		return nil, nil
	}
	key := strings.ToLower(query)
	if v, ok := g.cache.Get(key); ok {
		c, _ := v.(*clinical.Coordinate)
		return c, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.InitialBackoff
	coord, err := backoff.Retry(ctx, func() (*clinical.Coordinate, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		return g.lookupOnce(ctx, query)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(g.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.log.Warn().Err(err).Str("query", query).Dur("retry_in", next).Msg("geocode_retry")
		}),
	)
	if errors.Is(err, errNoMatch) {
		g.cache.SetDefault(key, (*clinical.Coordinate)(nil))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("geocode %q: %w", query, err)
	}
	g.cache.SetDefault(key, coord)
	return coord, nil
}

func (g *Geocoder) lookupOnce(ctx context.Context, query string) (*clinical.Coordinate, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(g.cfg.BaseURL, "/")+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", g.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	res, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(strings.TrimSpace(res.Header.Get("Retry-After"))); err == nil && secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, fmt.Errorf("status code: %d", res.StatusCode)
	case res.StatusCode >= 500:
		return nil, fmt.Errorf("status code: %d", res.StatusCode)
	case res.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("status code: %d body=%s", res.StatusCode, string(b)))
	}

	var places []nominatimPlace
	if err := json.Unmarshal(b, &places); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode geocode response: %w", err))
	}
	if len(places) == 0 {
		return nil, backoff.Permanent(errNoMatch)
	}
	lat, errLat := strconv.ParseFloat(places[0].Lat, 64)
	lng, errLng := strconv.ParseFloat(places[0].Lon, 64)
	if errLat != nil || errLng != nil {
		return nil, backoff.Permanent(errNoMatch)
	}
	return &clinical.Coordinate{Lat: lat, Lng: lng}, nil
}

// FillLocations geocodes every location lacking coordinates, resolving each
// distinct place once with at most Concurrency lookups in flight. Individual
// failures leave that location without coordinates. It returns the number
// of locations filled.
func (g *Geocoder) FillLocations(ctx context.Context, locs []clinical.Location) (int, error) {
	type place struct{ city, state, country string }
	pending := map[string]place{}
	for _, l := range locs {
		if l.Coordinate() != nil {
			continue
		}
		state := ""
		if l.State != nil {
			state = *l.State
		}
		q := strings.ToLower(placeQuery(l.City, state, l.Country))
		if q == "" {
			continue
		}
		pending[q] = place{city: l.City, state: state, country: l.Country}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var mu sync.Mutex
	resolved := make(map[string]*clinical.Coordinate, len(pending))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.cfg.Concurrency)
	for key, p := range pending {
		grp.Go(func() error {
			c, err := g.Lookup(gctx, p.city, p.state, p.country)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				g.log.Warn().Err(err).Str("place", key).Msg("geocode_failed")
				return nil
			}
			mu.Lock()
			resolved[key] = c
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return 0, err
	}

	filled := 0
	for i := range locs {
		if locs[i].Coordinate() != nil {
			continue
		}
		state := ""
		if locs[i].State != nil {
			state = *locs[i].State
		}
		c := resolved[strings.ToLower(placeQuery(locs[i].City, state, locs[i].Country))]
		if c == nil {
			continue
		}
		lat, lng := c.Lat, c.Lng
		locs[i].Lat, locs[i].Lng = &lat, &lng
		filled++
	}
	return filled, nil
}

func placeQuery(city, state, country string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{city, state, country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if strings.TrimSpace(city) == "" {
		return ""
	}
	return strings.Join(parts, ", ")
}
