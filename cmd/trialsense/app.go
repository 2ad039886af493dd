package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/config"
	"github.com/joelkehle/trialsense/internal/eligibility"
	"github.com/joelkehle/trialsense/internal/events"
	"github.com/joelkehle/trialsense/internal/extract"
	"github.com/joelkehle/trialsense/internal/geo"
	"github.com/joelkehle/trialsense/internal/llm"
	"github.com/joelkehle/trialsense/internal/logging"
	"github.com/joelkehle/trialsense/internal/matching"
	"github.com/joelkehle/trialsense/internal/metrics"
	"github.com/joelkehle/trialsense/internal/patients"
	"github.com/joelkehle/trialsense/internal/radar"
	"github.com/joelkehle/trialsense/internal/registry"
	"github.com/joelkehle/trialsense/internal/store"
)

// app owns configuration and lazily built components shared by commands.
type app struct {
	configPath string

	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	store     *store.SQLStore
	executor  *llm.Executor
	cache     registry.TrialCache
	client    *registry.Client
	geocoder  *geo.Geocoder
	publisher events.Publisher
	closers   []func() error
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg
	a.log = logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	a.metrics = metrics.New()
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close_failed")
		}
	}
	a.closers = nil
}

func (a *app) openStore(ctx context.Context) (*store.SQLStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := store.Open(ctx, store.Config{
		Driver: a.cfg.Store.Driver,
		DSN:    a.cfg.Store.DSN,
		Logger: a.log.With().Str("component", "store").Logger(),
	})
	if err != nil {
		return nil, err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	return s, nil
}

func (a *app) oracle() (*llm.Executor, error) {
	if a.executor != nil {
		return a.executor, nil
	}
	if err := a.cfg.RequireOracle(); err != nil {
		return nil, err
	}
	caller, err := llm.NewAnthropicCaller(llm.AnthropicConfig{
		APIKey:           a.cfg.Oracle.APIKey,
		Model:            a.cfg.Oracle.Model,
		MaxTokens:        a.cfg.Oracle.MaxTokens,
		WebSearchMaxUses: a.cfg.Oracle.WebSearchMaxUses,
	})
	if err != nil {
		return nil, err
	}
	a.executor = llm.NewExecutor(caller, llm.ExecutorConfig{
		Timeout:     a.cfg.Oracle.Timeout,
		MaxAttempts: a.cfg.Oracle.MaxAttempts,
		Logger:      a.log.With().Str("component", "oracle").Logger(),
		Metrics:     a.metrics,
	})
	return a.executor, nil
}

func (a *app) trialCache(ctx context.Context) registry.TrialCache {
	if a.cache != nil {
		return a.cache
	}
	if addr := a.cfg.Cache.RedisAddr; addr != "" {
		rc := registry.NewRedisCache(registry.RedisConfig{
			Addr:     addr,
			Password: a.cfg.Cache.RedisPassword,
			DB:       a.cfg.Cache.RedisDB,
			TTL:      a.cfg.Cache.TTL,
		})
		err := rc.Ping(ctx)
		if err == nil {
			a.cache = rc
			a.closers = append(a.closers, rc.Close)
			return a.cache
		}
		a.log.Warn().Err(err).Str("addr", addr).Msg("redis_unavailable_using_memory_cache")
		_ = rc.Close()
	}
	a.cache = registry.NewMemoryCache(a.cfg.Cache.TTL)
	return a.cache
}

func (a *app) registryClient() *registry.Client {
	if a.client == nil {
		a.client = registry.NewClient(registry.ClientConfig{
			BaseURL:            a.cfg.Registry.BaseURL,
			RateLimitPerMinute: a.cfg.Registry.RatePerMinute,
			PageCeiling:        a.cfg.Registry.PageCeiling,
			HTTPClient:         &http.Client{Timeout: a.cfg.Registry.Timeout},
			Logger:             a.log.With().Str("component", "registry").Logger(),
			Metrics:            a.metrics,
		})
	}
	return a.client
}

// geocode returns nil when geocoding is disabled.
func (a *app) geocode() *geo.Geocoder {
	if !a.cfg.Geocode.Enabled {
		return nil
	}
	if a.geocoder == nil {
		a.geocoder = geo.NewGeocoder(geo.GeocoderConfig{
			BaseURL:        a.cfg.Geocode.BaseURL,
			UserAgent:      a.cfg.Geocode.UserAgent,
			RequestsPerSec: a.cfg.Geocode.RatePerSecond,
			Concurrency:    a.cfg.Geocode.Concurrency,
			MaxTries:       a.cfg.Geocode.MaxRetries,
			Logger:         a.log.With().Str("component", "geocoder").Logger(),
		})
	}
	return a.geocoder
}

func (a *app) eventPublisher() events.Publisher {
	if a.publisher != nil {
		return a.publisher
	}
	if len(a.cfg.Kafka.Brokers) == 0 {
		a.publisher = events.Nop{}
		return a.publisher
	}
	p := events.NewKafkaPublisher(events.KafkaConfig{
		Brokers: a.cfg.Kafka.Brokers,
		Topic:   a.cfg.Kafka.Topic,
		Logger:  a.log.With().Str("component", "events").Logger(),
	})
	a.publisher = p
	a.closers = append(a.closers, p.Close)
	return p
}

func (a *app) extractor() (*extract.Extractor, error) {
	exec, err := a.oracle()
	if err != nil {
		return nil, err
	}
	return extract.New(exec, extract.Config{
		DefaultCountry: a.cfg.Matching.DefaultCountry,
		Logger:         a.log.With().Str("component", "extract").Logger(),
	}), nil
}

func (a *app) evaluator() (*eligibility.Evaluator, error) {
	exec, err := a.oracle()
	if err != nil {
		return nil, err
	}
	return eligibility.New(exec, eligibility.Config{
		Mode:        eligibility.Mode(a.cfg.Matching.EvaluationMode),
		Parallelism: a.cfg.Matching.Parallelism,
		Logger:      a.log.With().Str("component", "eligibility").Logger(),
		Metrics:     a.metrics,
	}), nil
}

// pipeline wires retrieval, evaluation and ranking. Live mode searches the
// registry and writes retrieved trials through to the store; catalog mode
// reads ingested trials only.
func (a *app) pipeline(ctx context.Context) (*matching.Pipeline, error) {
	ext, err := a.extractor()
	if err != nil {
		return nil, err
	}
	ev, err := a.evaluator()
	if err != nil {
		return nil, err
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	var retriever matching.Retriever
	if a.cfg.Matching.Mode == "catalog" {
		retriever = registry.NewCatalogRetriever(st, 0, a.log.With().Str("component", "catalog").Logger())
	} else {
		rcfg := registry.RetrieverConfig{
			PageCeiling: a.cfg.Registry.PageCeiling,
			Cache:       a.trialCache(ctx),
			Writer:      st,
			Logger:      a.log.With().Str("component", "retriever").Logger(),
			Metrics:     a.metrics,
		}
		if a.cfg.Matching.DeriveKeywords {
			rcfg.Keywords = ext
		}
		retriever = registry.NewRetriever(a.registryClient(), rcfg)
	}

	pcfg := matching.PipelineConfig{
		Logger:  a.log.With().Str("component", "matching").Logger(),
		Metrics: a.metrics,
	}
	if g := a.geocode(); g != nil {
		pcfg.Geocoder = g
	}
	return matching.NewPipeline(retriever, ev, ext, pcfg), nil
}

func (a *app) patientService(ctx context.Context, withMatcher bool) (*patients.Service, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	var matcher patients.Matcher
	if withMatcher {
		p, err := a.pipeline(ctx)
		if err != nil {
			return nil, err
		}
		matcher = p
	}
	return patients.NewService(st, matcher, patients.Config{
		Logger: a.log.With().Str("component", "patients").Logger(),
	}), nil
}

func (a *app) radarService(ctx context.Context, needOracle bool) (*radar.Service, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	var scanner *radar.Scanner
	if needOracle {
		exec, err := a.oracle()
		if err != nil {
			return nil, err
		}
		scanner = radar.NewScanner(exec, radar.ScannerConfig{
			EngineName:  a.cfg.Radar.EngineName,
			Concurrency: a.cfg.Radar.Concurrency,
			Logger:      a.log.With().Str("component", "radar").Logger(),
			Metrics:     a.metrics,
		})
	}
	return radar.NewService(scanner, st, st, radar.ServiceConfig{
		Publisher: a.eventPublisher(),
		Logger:    a.log.With().Str("component", "radar").Logger(),
		Metrics:   a.metrics,
	}), nil
}

// profileInput is the shared way commands receive a patient: free text,
// a text file, an image, or a profile JSON file.
type profileInput struct {
	text        string
	file        string
	image       string
	profileJSON string
}

func (in *profileInput) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&in.text, "text", "", "clinical note text")
	cmd.Flags().StringVar(&in.file, "file", "", "file containing the clinical note")
	cmd.Flags().StringVar(&in.image, "image", "", "image of a clinical document (png, jpeg, gif, webp)")
	cmd.Flags().StringVar(&in.profileJSON, "profile", "", "patient profile JSON file")
}

func (in *profileInput) resolve(ctx context.Context, ext *extract.Extractor) (clinical.PatientProfile, error) {
	switch {
	case in.profileJSON != "":
		b, err := os.ReadFile(in.profileJSON)
		if err != nil {
			return clinical.PatientProfile{}, err
		}
		var p clinical.PatientProfile
		if err := json.Unmarshal(b, &p); err != nil {
			return clinical.PatientProfile{}, fmt.Errorf("decode profile %s: %w", in.profileJSON, err)
		}
		if err := clinical.Validate(p); err != nil {
			return clinical.PatientProfile{}, clinical.InvalidInput(fmt.Sprintf("invalid profile: %v", err))
		}
		return p, nil
	case in.image != "":
		img, err := readImage(in.image)
		if err != nil {
			return clinical.PatientProfile{}, err
		}
		return ext.FromImage(ctx, img), nil
	case in.file != "":
		b, err := os.ReadFile(in.file)
		if err != nil {
			return clinical.PatientProfile{}, err
		}
		return ext.FromText(ctx, string(b)), nil
	case strings.TrimSpace(in.text) != "":
		return ext.FromText(ctx, in.text), nil
	}
	return clinical.PatientProfile{}, clinical.InvalidInput("one of --text, --file, --image or --profile is required")
}

func readImage(path string) (llm.Image, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return llm.Image{}, err
	}
	mediaType := map[string]string{
		".png":  "image/png",
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".gif":  "image/gif",
		".webp": "image/webp",
	}[strings.ToLower(filepath.Ext(path))]
	if mediaType == "" {
		mediaType = http.DetectContentType(b)
	}
	return llm.Image{MediaType: mediaType, Base64: base64.StdEncoding.EncodeToString(b)}, nil
}

func readMatches(path string) ([]clinical.TrialMatch, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var matches []clinical.TrialMatch
	if err := json.Unmarshal(b, &matches); err != nil {
		return nil, fmt.Errorf("decode matches %s: %w", path, err)
	}
	return matches, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
