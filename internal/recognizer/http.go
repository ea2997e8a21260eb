// Package recognizer is a client for a remote named-entity recognition
// service used as a secondary PHI detector.
package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/raaihank/phi-sentinel/internal/phi"
)

const (
	maxResponseBytes  = 10 << 20
	defaultConfidence = 0.8
)

// Config contains recognizer client configuration
type Config struct {
	Enabled           bool          `yaml:"enabled" mapstructure:"enabled"`
	Endpoint          string        `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey            string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
}

// entityCategories maps service entity types to PHI categories
var entityCategories = map[string]phi.Category{
	"PERSON":        phi.CategoryName,
	"NAME":          phi.CategoryName,
	"LOCATION":      phi.CategoryAddress,
	"ADDRESS":       phi.CategoryAddress,
	"ORGANIZATION":  phi.CategoryFacilityID,
	"DATE":          phi.CategoryDate,
	"DATE_TIME":     phi.CategoryDate,
	"PHONE_NUMBER":  phi.CategoryPhone,
	"EMAIL":         phi.CategoryEmail,
	"EMAIL_ADDRESS": phi.CategoryEmail,
	"US_SSN":        phi.CategorySSN,
	"AGE":           phi.CategoryAge,
}

type analyzeRequest struct {
	Text string `json:"text"`
}

type entity struct {
	Type  string   `json:"type"`
	Text  string   `json:"text"`
	Start *int     `json:"start,omitempty"`
	End   *int     `json:"end,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

type analyzeResponse struct {
	Entities []entity `json:"entities"`
}

// HTTPRecognizer calls the service over HTTP. It implements phi.Recognizer.
type HTTPRecognizer struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ phi.Recognizer = (*HTTPRecognizer)(nil)

// New creates a recognizer client
func New(config Config, logger *zap.Logger) (*HTTPRecognizer, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("recognizer endpoint is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPRecognizer{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// Analyze sends text to the service and converts its entities to findings
func (r *HTTPRecognizer) Analyze(ctx context.Context, text string) ([]phi.Finding, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(analyzeRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal recognizer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create recognizer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recognizer request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read recognizer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recognizer returned status %d", resp.StatusCode)
	}

	var parsed analyzeResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("recognizer response parse error: %w", err)
	}

	findings := make([]phi.Finding, 0, len(parsed.Entities))
	for _, ent := range parsed.Entities {
		f, ok := r.toFinding(text, ent)
		if !ok {
			continue
		}
		findings = append(findings, f)
	}

	r.logger.Debug("Recognizer analysis completed",
		zap.Int("entities", len(parsed.Entities)),
		zap.Int("findings", len(findings)))

	return findings, nil
}

func (r *HTTPRecognizer) toFinding(text string, ent entity) (phi.Finding, bool) {
	category, ok := entityCategories[strings.ToUpper(ent.Type)]
	if !ok {
		return phi.Finding{}, false
	}

	start, end := -1, -1
	if ent.Start != nil && ent.End != nil {
		start, end = *ent.Start, *ent.End
	}
	if start < 0 || end > len(text) || start >= end || (ent.Text != "" && text[start:end] != ent.Text) {
		if ent.Text == "" {
			return phi.Finding{}, false
		}
		start = strings.Index(text, ent.Text)
		if start < 0 {
			r.logger.Debug("Recognizer entity not found in text", zap.String("type", ent.Type))
			return phi.Finding{}, false
		}
		end = start + len(ent.Text)
	}

	confidence := defaultConfidence
	if ent.Score != nil {
		confidence = *ent.Score
	}

	return phi.Finding{
		Category:   category,
		Value:      text[start:end],
		Start:      start,
		End:        end,
		Confidence: confidence,
		Source:     phi.SourceExternal,
	}, true
}
