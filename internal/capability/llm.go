package capability

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/resilience"
	"github.com/sells-group/corpus-cli/pkg/anthropic"
)

// maxPromptRunes bounds the record text sent to the model.
const maxPromptRunes = 24000

const nerSystemPrompt = `You extract named entities from documents.
Return only a JSON array. Each element is an object with keys:
  "text": the entity exactly as written,
  "type": one of PERSON, ORG, LOC, MISC.
List every mention, repeating an entity once per occurrence.
Return [] when there are none. Do not add commentary.`

// LLMConfig configures the model-backed entity extractor.
type LLMConfig struct {
	Model          string
	MaxTokens      int64
	RequestsPerSec float64
}

// LLMEntities asks an Anthropic model for entity spans.
type LLMEntities struct {
	client  anthropic.Client
	cfg     LLMConfig
	limiter *rate.Limiter

	mu    sync.Mutex
	usage anthropic.TokenUsage
}

// NewLLMEntities creates the "ner-llm" analyzer. Calls are throttled to
// cfg.RequestsPerSec across all workers.
func NewLLMEntities(client anthropic.Client, cfg LLMConfig) *LLMEntities {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	return &LLMEntities{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (l *LLMEntities) Name() model.Capability { return "ner-llm" }
func (l *LLMEntities) Kind() Kind             { return KindEntities }

func (l *LLMEntities) Analyze(ctx context.Context, text, language string) (*Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "ner-llm: rate limit wait")
	}

	prompt := truncateRunes(text, maxPromptRunes)
	if language != "" {
		prompt = "Document language: " + language + "\n\n" + prompt
	}
	resp, err := l.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     l.cfg.Model,
		MaxTokens: l.cfg.MaxTokens,
		System:    anthropic.CachedSystem(nerSystemPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return nil, resilience.NewTransientError(err, code)
		}
		return nil, eris.Wrap(err, "ner-llm: create message")
	}
	resp.Usage.Log(l.cfg.Model, string(l.Name()))
	l.mu.Lock()
	l.usage.Add(resp.Usage)
	l.mu.Unlock()

	spans, err := ParseSpans(resp.Text())
	if err != nil {
		return nil, eris.Wrap(err, "ner-llm: parse response")
	}
	return &Result{Spans: spans}, nil
}

// Usage returns the tokens consumed so far and their estimated USD cost.
func (l *LLMEntities) Usage() (anthropic.TokenUsage, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage, l.usage.EstimateCost(l.cfg.Model)
}

// ParseSpans decodes a JSON span array, tolerating prose or code fences
// around it. Blank spans are dropped and unknown types become MISC.
func ParseSpans(raw string) ([]model.Span, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end < start {
		return nil, eris.Errorf("no JSON array in %q", truncateRunes(raw, 80))
	}

	var items []struct {
		Text string `json:"text"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &items); err != nil {
		return nil, eris.Wrap(err, "decode spans")
	}

	spans := make([]model.Span, 0, len(items))
	for _, it := range items {
		text := strings.TrimSpace(it.Text)
		if text == "" {
			continue
		}
		typ := strings.ToUpper(strings.TrimSpace(it.Type))
		switch typ {
		case model.EntityPerson, model.EntityOrg, model.EntityLoc:
		default:
			typ = model.EntityMisc
		}
		spans = append(spans, model.Span{Text: text, Type: typ})
	}
	return spans, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
