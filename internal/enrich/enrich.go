// Package enrich converts free-text member bios into structured,
// confidence-scored facts via a chat-completion model. All failure paths
// terminate in a degraded Result; EnrichBio never returns an error.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/logger"
	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/prompts"
	"go.uber.org/zap"
)

// Chat message roles understood by the completion endpoint.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Persona labels produced outside the model's taxonomy.
const (
	PersonaUnknown = "Unknown"
	PersonaError   = "Error"
)

const (
	defaultMaxAttempts = 3
	parseRetryDelay    = time.Second
	maxLogLen          = 200

	failedParseReasoning = "Failed to parse AI response"
)

// sleep is a seam for tests.
var sleep = time.Sleep

// Message is one entry of the chat-completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer performs a single chat-completion call, including its own
// network-level retry policy.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Result is the structured outcome of one enrichment attempt. The confidence
// score is always within [0,1]; a degraded result carries 0.0 and a sentinel
// persona rather than an error.
type Result struct {
	Skills          []string
	Persona         string
	ConfidenceScore float64
	Reasoning       string
	RawResponse     string
}

// Enricher turns bios into Results using a prompt store and a Completer.
type Enricher struct {
	completer   Completer
	prompts     *prompts.Store
	maxAttempts int
	logger      *zap.Logger
}

// New creates an Enricher. maxAttempts bounds the outer parse-retry loop;
// values below one fall back to the default.
func New(completer Completer, store *prompts.Store, maxAttempts int, log *zap.Logger) *Enricher {
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}

	return &Enricher{
		completer:   completer,
		prompts:     store,
		maxAttempts: maxAttempts,
		logger:      log,
	}
}

// EnrichBio runs one logical enrichment attempt for a bio. A parse failure
// re-issues the entire model call (the model may produce better output on a
// fresh completion) up to maxAttempts; exhaustion and transport failures
// yield degraded results instead of errors.
func (e *Enricher) EnrichBio(ctx context.Context, bio string) Result {
	messages := []Message{
		{Role: RoleSystem, Content: e.prompts.SystemContext()},
		{Role: RoleUser, Content: e.prompts.EnrichmentPrompt(bio)},
	}

	var lastRaw string

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		raw, err := e.completer.Complete(ctx, messages)
		if err != nil {
			e.logger.Error("enrichment call failed",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", e.maxAttempts),
				zap.Error(err),
			)

			if attempt == e.maxAttempts-1 {
				return Result{
					Skills:          []string{},
					Persona:         PersonaError,
					ConfidenceScore: 0,
					Reasoning:       fmt.Sprintf("Error: %s", err),
				}
			}

			sleep(parseRetryDelay)
			continue
		}

		lastRaw = raw

		result, perr := parseResult(raw)
		if perr != nil {
			e.logger.Warn("could not parse model response",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", e.maxAttempts),
				zap.String("response_preview", logger.TruncateForLog(raw, maxLogLen)),
				zap.Error(perr),
			)

			if attempt == e.maxAttempts-1 {
				return Result{
					Skills:          []string{},
					Persona:         PersonaUnknown,
					ConfidenceScore: 0,
					Reasoning:       failedParseReasoning,
					RawResponse:     lastRaw,
				}
			}

			sleep(parseRetryDelay)
			continue
		}

		e.logger.Debug("enriched bio",
			zap.String("bio_preview", logger.TruncateForLog(bio, 50)),
			zap.String("persona", result.Persona),
			zap.Float64("confidence", result.ConfidenceScore),
			zap.Int("response_length", utf8.RuneCountInString(raw)),
		)

		return result
	}

	// Unreachable with maxAttempts >= 1, kept as a safety net.
	return Result{
		Skills:          []string{},
		Persona:         PersonaUnknown,
		ConfidenceScore: 0,
		Reasoning:       "Max attempts exceeded",
		RawResponse:     lastRaw,
	}
}

// parseResult extracts the structured payload from the model's raw text. The
// payload arrives as JSON, possibly wrapped in a fenced code block; every
// field is optional and coerced with an explicit default.
func parseResult(raw string) (Result, error) {
	cleaned := extractJSON(raw)

	var data map[string]any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return Result{}, fmt.Errorf("parse enrichment payload: %w", err)
	}

	persona := coerceString(data["persona"])
	if persona == "" {
		persona = PersonaUnknown
	}

	confidence := coerceFloat(data["confidence_score"])
	if math.IsNaN(confidence) {
		confidence = 0
	}
	// The model scores 0-100; rescale and clamp into [0,1].
	confidence /= 100.0
	confidence = math.Min(1, math.Max(0, confidence))

	return Result{
		Skills:          coerceStringSlice(data["skills"]),
		Persona:         persona,
		ConfidenceScore: confidence,
		Reasoning:       coerceString(data["reasoning"]),
		RawResponse:     raw,
	}, nil
}

// extractJSON strips exactly the first fenced code block (```json or bare
// ```) and returns its content; text without a fence is returned as-is.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if idx := strings.Index(raw, "```json"); idx != -1 {
		rest := raw[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end != -1 {
			rest = rest[:end]
		}
		return strings.TrimSpace(rest)
	}

	if idx := strings.Index(raw, "```"); idx != -1 {
		rest := raw[idx+3:]
		if end := strings.Index(rest, "```"); end != -1 {
			rest = rest[:end]
		}
		return strings.TrimSpace(rest)
	}

	return raw
}

func coerceStringSlice(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s := coerceString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		out := make([]string, 0, len(val))
		for _, s := range val {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(val); s != "" {
			return []string{s}
		}
		return []string{}
	default:
		return []string{}
	}
}

func coerceFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return math.NaN()
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func coerceString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		if v == nil {
			return ""
		}
		bytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(bytes)
	}
}
