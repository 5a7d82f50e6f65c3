package oracle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// SourceConfig describes a configured feed source.
type SourceConfig struct {
	Name     string
	Type     string
	Endpoint string
	APIKey   string
	// Paths maps feed names to gjson paths (http) or literal decimals (static).
	Paths         map[string]string
	TimestampPath string
}

// Registry constructs sources from configuration.
type Registry struct {
	HTTPClient *http.Client
	Clock      func() time.Time
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}, Clock: time.Now}
}

// Build creates a source from cfg.
func (r *Registry) Build(cfg SourceConfig) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "static":
		return newStaticSource(label(cfg.Name, "static"), cfg.Paths, r.clock())
	case "http", "json":
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return nil, fmt.Errorf("source %s: endpoint required", cfg.Name)
		}
		return &httpSource{
			name:          label(cfg.Name, "http"),
			client:        r.client(),
			endpoint:      strings.TrimSpace(cfg.Endpoint),
			apiKey:        strings.TrimSpace(cfg.APIKey),
			paths:         upperKeys(cfg.Paths),
			timestampPath: strings.TrimSpace(cfg.TimestampPath),
			clock:         r.clock(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown oracle source type %q", cfg.Type)
	}
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *Registry) clock() func() time.Time {
	if r.Clock != nil {
		return r.Clock
	}
	return time.Now
}

type staticSource struct {
	name   string
	values map[string]decimal.Decimal
	clock  func() time.Time
}

func newStaticSource(name string, values map[string]string, clock func() time.Time) (Source, error) {
	parsed := make(map[string]decimal.Decimal, len(values))
	for feed, raw := range values {
		value, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("source %s: feed %s: %w", name, feed, err)
		}
		parsed[strings.ToUpper(strings.TrimSpace(feed))] = value
	}
	return &staticSource{name: name, values: parsed, clock: clock}, nil
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Fetch(ctx context.Context, feed string) (Quote, error) {
	_ = ctx
	value, ok := s.values[strings.ToUpper(feed)]
	if !ok {
		return Quote{}, fmt.Errorf("feed %s not served", feed)
	}
	return Quote{Value: value, Timestamp: s.clock()}, nil
}

// httpSource reads a JSON document and selects the feed value with a gjson path. The
// endpoint may contain a {feed} placeholder.
type httpSource struct {
	name          string
	client        *http.Client
	endpoint      string
	apiKey        string
	paths         map[string]string
	timestampPath string
	clock         func() time.Time
}

func (s *httpSource) Name() string { return s.name }

func (s *httpSource) Fetch(ctx context.Context, feed string) (Quote, error) {
	path, ok := s.paths[strings.ToUpper(feed)]
	if !ok {
		return Quote{}, fmt.Errorf("feed %s not served", feed)
	}
	url := strings.ReplaceAll(s.endpoint, "{feed}", strings.ToLower(feed))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Quote{}, fmt.Errorf("read body: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return Quote{}, fmt.Errorf("invalid json payload")
	}
	result := gjson.GetBytes(body, path)
	if !result.Exists() {
		return Quote{}, fmt.Errorf("path %q missing", path)
	}
	value, err := decimal.NewFromString(strings.TrimSpace(result.String()))
	if err != nil {
		return Quote{}, fmt.Errorf("parse %q: %w", result.String(), err)
	}
	ts := s.clock()
	if s.timestampPath != "" {
		if raw := gjson.GetBytes(body, s.timestampPath); raw.Exists() {
			switch raw.Type {
			case gjson.Number:
				ts = time.Unix(raw.Int(), 0)
			default:
				parsed, err := time.Parse(time.RFC3339, raw.String())
				if err != nil {
					return Quote{}, fmt.Errorf("parse timestamp: %w", err)
				}
				ts = parsed
			}
		}
	}
	return Quote{Value: value, Timestamp: ts}, nil
}

func upperKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
