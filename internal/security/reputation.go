package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

// HTTPReputation queries an external address-intelligence endpoint and
// extracts the risk score and tags with configurable JSONPath
// expressions, so swapping providers is a config change rather than a
// code change.
type HTTPReputation struct {
	client    *http.Client
	endpoint  *url.URL
	scorePath string
	tagsPath  string
	log       *logger.Logger
}

var _ ReputationProvider = (*HTTPReputation)(nil)

// NewHTTPReputation builds the provider from config. Returns nil when
// no endpoint is configured; the pipeline treats a nil provider as
// "local lists only".
func NewHTTPReputation(cfg config.SecurityConfig, log *logger.Logger) (*HTTPReputation, error) {
	if cfg.ReputationURL == "" {
		return nil, nil
	}
	parsed, err := url.Parse(cfg.ReputationURL)
	if err != nil {
		return nil, fmt.Errorf("parse reputation endpoint: %w", err)
	}
	timeout := cfg.ReputationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("reputation")
	}
	return &HTTPReputation{
		client:    &http.Client{Timeout: timeout},
		endpoint:  parsed,
		scorePath: cfg.ReputationScorePath,
		tagsPath:  cfg.ReputationTagsPath,
		log:       log,
	}, nil
}

// Lookup fetches the provider's view of one address.
func (p *HTTPReputation) Lookup(ctx context.Context, address string) (Reputation, error) {
	requestURL := *p.endpoint
	q := requestURL.Query()
	q.Set("address", address)
	requestURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return Reputation{}, fmt.Errorf("build reputation request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Reputation{}, fmt.Errorf("reputation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Reputation{}, fmt.Errorf("reputation status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Reputation{}, fmt.Errorf("read reputation response: %w", err)
	}
	return p.parse(body)
}

func (p *HTTPReputation) parse(body []byte) (Reputation, error) {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return Reputation{}, fmt.Errorf("decode reputation response: %w", err)
	}

	var rep Reputation
	if raw, err := jsonpath.Get(p.scorePath, doc); err == nil {
		rep.Score = clampScore(toInt(raw))
	}
	if raw, err := jsonpath.Get(p.tagsPath, doc); err == nil {
		rep.Tags = toStrings(raw)
	}
	return rep, nil
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		f, _ := n.Float64()
		return int(f)
	case string:
		var out int
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}

func toStrings(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		if s, ok := v.(string); ok && s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
