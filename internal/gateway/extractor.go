package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/dishwire/dishwire/internal/pipeline"
)

const systemPrompt = `You extract restaurant and dish mentions from food forum discussions.
Given a thread excerpt where every item is labeled with its id, return a JSON array.
Each element: {"source_id": "<item id>", "restaurant": "<name>", "dish": "<dish or empty>", "attributes": [], "categories": []}
Rules:
- One element per distinct restaurant/dish pair per item.
- Only include restaurants actually named in the text, never inferred ones.
- attributes capture factual claims (e.g. "byob", "cash-only"); categories capture cuisine or dish type.
- Return [] when the excerpt mentions no restaurants.
Respond with the JSON array only.`

// Extractor implements mention extraction over a hosted language model.
type Extractor struct {
	llm       llms.Model
	modelName string
	logger    *zap.Logger
}

// New constructs an Extractor for the configured provider.
func New(cfg ProviderConfig, logger *zap.Logger) (*Extractor, error) {
	model, err := newModel(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithModel(model, cfg.Model, logger), nil
}

// NewWithModel wraps an existing model client, mainly for tests.
func NewWithModel(model llms.Model, modelName string, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{llm: model, modelName: modelName, logger: logger}
}

// Extract sends one chunk to the model and parses the mentions it returns.
func (e *Extractor) Extract(ctx context.Context, post pipeline.Post, chunk pipeline.Chunk) ([]pipeline.Mention, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, BuildPrompt(post, chunk)),
	}
	response, err := e.llm.GenerateContent(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("chunk %s: empty response: %w", chunk.ID, pipeline.ErrInvalidResponse)
	}

	mentions, err := ParseMentions(response.Choices[0].Content)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", chunk.ID, err)
	}
	e.logger.Debug("chunk extracted",
		zap.String("chunk_id", chunk.ID),
		zap.String("model", e.modelName),
		zap.Int("mentions", len(mentions)),
	)
	return mentions, nil
}

// BuildPrompt renders the chunk as labeled excerpt lines. The post body
// leads when the chunk carries it as member zero.
func BuildPrompt(post pipeline.Post, chunk pipeline.Chunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Thread: %s\n\n", post.Title)
	if chunk.IncludePost {
		fmt.Fprintf(&b, "[%s] (post) %s\n", post.ID, post.Body)
	}
	for _, m := range chunk.Members {
		fmt.Fprintf(&b, "[%s] %s\n", m.ID, m.Body)
	}
	return b.String()
}

type wireMention struct {
	SourceID   string   `json:"source_id"`
	Restaurant string   `json:"restaurant"`
	Dish       string   `json:"dish"`
	Attributes []string `json:"attributes"`
	Categories []string `json:"categories"`
}

// ParseMentions decodes the model's JSON array, tolerating markdown code
// fences around it. Anything else is an invalid (retryable) response.
func ParseMentions(raw string) ([]pipeline.Mention, error) {
	cleaned := stripCodeFences(raw)
	var wire []wireMention
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return nil, fmt.Errorf("decode mentions: %v: %w", err, pipeline.ErrInvalidResponse)
	}

	mentions := make([]pipeline.Mention, 0, len(wire))
	for _, w := range wire {
		if w.SourceID == "" || strings.TrimSpace(w.Restaurant) == "" {
			continue
		}
		mentions = append(mentions, pipeline.Mention{
			SourceID:      w.SourceID,
			SourceType:    "comment",
			RestaurantKey: pipeline.NormalizeKey(w.Restaurant),
			DishKey:       pipeline.NormalizeKey(w.Dish),
			Attributes:    w.Attributes,
			Categories:    w.Categories,
		})
	}
	return mentions, nil
}

// stripCodeFences unwraps ```json ... ``` style fencing some models insist
// on.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
