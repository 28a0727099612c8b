package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/pharmatrace/backend/internal/metrics"
	"github.com/pharmatrace/backend/pkg/circuitbreaker"
	"github.com/pharmatrace/backend/pkg/retry"
)

const defaultModel = "gemini-2.0-flash"

// Attachment is a document sent alongside a prompt. Text attachments are sent
// as plain text parts; everything else is inlined as bytes.
type Attachment struct {
	MIMEType string
	Data     []byte
	Text     string
}

// Generator wraps the Google GenAI client for JSON prompts over documents.
type Generator struct {
	client      *genai.Client
	modelName   string
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
	logger      *zap.Logger
}

func NewGenerator(ctx context.Context, apiKey, model string, timeout time.Duration, logger *zap.Logger) (*Generator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	if model = strings.TrimSpace(model); model == "" {
		model = defaultModel
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker("extractor-llm", circuitbreaker.Config{
		HalfOpenRequests: 5,
		FailureWindow:    time.Minute,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.ObserveBreakerState,
		Logger:           logger,
	})

	retryConfig := retry.DefaultConfig()
	retryConfig.InitialDelay = time.Second
	retryConfig.Logger = logger

	logger.Info("Gemini generator initialized", zap.String("model", model))

	return &Generator{
		client:      client,
		modelName:   model,
		timeout:     timeout,
		cb:          cb,
		retryConfig: retryConfig,
		logger:      logger,
	}, nil
}

// GenerateJSON sends prompt plus the optional attachment and returns the
// model's text reply. The model is asked to answer with JSON only.
func (g *Generator) GenerateJSON(ctx context.Context, prompt string, attachment *Attachment) (string, error) {
	if g == nil || g.client == nil {
		return "", errors.New("gemini generator is not initialized")
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt must not be empty")
	}

	parts := []*genai.Part{{Text: prompt}}
	if attachment != nil {
		if attachment.Text != "" {
			parts = append(parts, &genai.Part{Text: attachment.Text})
		} else if len(attachment.Data) > 0 {
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{
				MIMEType: attachment.MIMEType,
				Data:     attachment.Data,
			}})
		}
	}

	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.1),
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	return circuitbreaker.ExecuteWithResult(ctx, g.cb, func() (string, error) {
		return retry.DoWithResult(ctx, g.retryConfig, func() (string, error) {
			return g.generate(ctx, contents, config)
		})
	})
}

func (g *Generator) generate(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.modelName, contents, config)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	if usage := resp.UsageMetadata; usage != nil {
		metrics.LLMTokensUsed.WithLabelValues(g.modelName, "prompt").Add(float64(usage.PromptTokenCount))
		metrics.LLMTokensUsed.WithLabelValues(g.modelName, "completion").Add(float64(usage.CandidatesTokenCount))
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		return "", errors.New("gemini api returned empty response")
	}

	return output, nil
}

func (g *Generator) Model() string {
	if g == nil {
		return ""
	}
	return g.modelName
}
