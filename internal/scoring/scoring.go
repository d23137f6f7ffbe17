// Package scoring supplies the fundamental, technical and sentiment scores
// the alert evaluator blends into a recommendation.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/sourcegraph/conc/pool"

	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/logging"
	"portfolio-engine/internal/models"
)

// Provider returns scores for the given positions. A partial map is returned
// alongside an error when some lookups fail; positions without a score never
// raise a low-score alert.
type Provider interface {
	Scores(ctx context.Context, keys []models.SymbolMarket) (map[models.SymbolMarket]models.Score, error)
}

// Static is a fixed score table.
type Static map[models.SymbolMarket]models.Score

// Scores returns the stored scores for keys.
func (s Static) Scores(ctx context.Context, keys []models.SymbolMarket) (map[models.SymbolMarket]models.Score, error) {
	out := make(map[models.SymbolMarket]models.Score, len(keys))
	for _, k := range keys {
		if sc, ok := s[k]; ok {
			out[k] = sc
		}
	}
	return out, nil
}

// Config configures the OpenAI scorer.
type Config struct {
	Model   string
	Timeout time.Duration
	Workers int
	// BaseURL overrides the API endpoint, e.g. for a compatible gateway.
	BaseURL string
}

// DefaultConfig returns the scorer defaults.
func DefaultConfig() Config {
	return Config{Model: openai.GPT4oMini, Timeout: 60 * time.Second, Workers: 4}
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIScorer asks a chat model to score each holding.
type OpenAIScorer struct {
	client chatClient
	cfg    Config
	logger zerolog.Logger
}

// NewOpenAIScorer creates a scorer. An API key is required.
func NewOpenAIScorer(apiKey string, cfg Config, logger zerolog.Logger) (*OpenAIScorer, error) {
	if apiKey == "" {
		return nil, errors.NewValidationError("openai.api_key", "", "required when scoring is enabled")
	}
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIScorer{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logging.WithComponent(logger, "scoring"),
	}, nil
}

const systemPrompt = `You are an equity analyst. Score the given holding from 0 to 100 on three axes:
fundamental (valuation, earnings quality, balance sheet), technical (trend and momentum),
and sentiment (news and market mood). 50 is neutral.
Reply with a single JSON object: {"fundamental": n, "technical": n, "sentiment": n, "reasoning": "one sentence"}.`

type scoreReply struct {
	Fundamental *float64 `json:"fundamental"`
	Technical   *float64 `json:"technical"`
	Sentiment   *float64 `json:"sentiment"`
	Reasoning   string   `json:"reasoning"`
}

// Score scores a single holding.
func (s *OpenAIScorer) Score(ctx context.Context, key models.SymbolMarket) (models.Score, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	user := fmt.Sprintf("Symbol: %s\nMarket: %s\nCurrency: %s", key.Symbol, key.Market, key.Market.Currency())
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0.2,
	})
	if err != nil {
		return models.Score{}, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.Score{}, fmt.Errorf("no response from openai")
	}
	return parseScore(resp.Choices[0].Message.Content)
}

// parseScore decodes the model's JSON reply, tolerating a fenced code block.
// Components are clamped to 0..100.
func parseScore(content string) (models.Score, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var reply scoreReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &reply); err != nil {
		return models.Score{}, fmt.Errorf("decoding score reply: %w", err)
	}
	if reply.Fundamental == nil || reply.Technical == nil || reply.Sentiment == nil {
		return models.Score{}, fmt.Errorf("score reply is missing a component")
	}
	return models.Score{
		Fundamental: clamp(*reply.Fundamental),
		Technical:   clamp(*reply.Technical),
		Sentiment:   clamp(*reply.Sentiment),
		Reasoning:   reply.Reasoning,
	}, nil
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 50
	}
	return math.Max(0, math.Min(100, v))
}

// Scores scores every key with bounded concurrency.
func (s *OpenAIScorer) Scores(ctx context.Context, keys []models.SymbolMarket) (map[models.SymbolMarket]models.Score, error) {
	var (
		mu   sync.Mutex
		out  = make(map[models.SymbolMarket]models.Score, len(keys))
		errs []error
	)

	p := pool.New().WithMaxGoroutines(s.cfg.Workers)
	for _, key := range keys {
		p.Go(func() {
			score, err := s.Score(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger := logging.WithSymbol(s.logger, key.Symbol, string(key.Market))
				logger.Warn().Err(err).Msg("Scoring failed")
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			out[key] = score
		})
	}
	p.Wait()

	return out, errors.Join(errs...)
}
