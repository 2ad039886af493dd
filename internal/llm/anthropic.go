package llm

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joelkehle/trialsense/internal/clinical"
)

const systemPrompt = "You are an oncology clinical research assistant supporting physicians who match patients to clinical trials. You are conservative, you do not invent clinical facts, and when a response format is specified you follow it exactly."

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

type AnthropicConfig struct {
	APIKey           string
	Model            string
	MaxTokens        int64
	WebSearchMaxUses int64
}

// AnthropicCaller implements Caller, VisionCaller and SearchCaller on the
// Messages API. Construct it once and share it.
type AnthropicCaller struct {
	messages         AnthropicMessager
	model            string
	maxTokens        int64
	webSearchMaxUses int64
}

func NewAnthropicCaller(cfg AnthropicConfig) (*AnthropicCaller, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.WebSearchMaxUses <= 0 {
		cfg.WebSearchMaxUses = 5
	}
	return &AnthropicCaller{
		messages:         newAnthropicClient(apiKey),
		model:            cfg.Model,
		maxTokens:        cfg.MaxTokens,
		webSearchMaxUses: cfg.WebSearchMaxUses,
	}, nil
}

func (a *AnthropicCaller) ModelName() string { return a.model }

func (a *AnthropicCaller) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := a.messages.New(ctx, a.params(anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))))
	if err != nil {
		return "", err
	}
	return joinText(resp), nil
}

func (a *AnthropicCaller) GenerateWithImage(ctx context.Context, prompt string, image Image) (string, error) {
	if strings.TrimSpace(image.Base64) == "" {
		return "", errors.New("empty image payload")
	}
	mediaType := image.MediaType
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	msg := anthropic.NewUserMessage(
		anthropic.NewImageBlockBase64(mediaType, image.Base64),
		anthropic.NewTextBlock(prompt),
	)
	resp, err := a.messages.New(ctx, a.params(msg))
	if err != nil {
		return "", err
	}
	return joinText(resp), nil
}

func (a *AnthropicCaller) Search(ctx context.Context, prompt string) (SearchResult, error) {
	params := a.params(anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	params.Tools = []anthropic.ToolUnionParam{{
		OfWebSearchTool20250305: &anthropic.WebSearchTool20250305Param{MaxUses: anthropic.Int(a.webSearchMaxUses)},
	}}
	resp, err := a.messages.New(ctx, params)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Text: joinText(resp), Citations: collectCitations(resp)}, nil
}

func (a *AnthropicCaller) params(msg anthropic.MessageParam) anthropic.MessageNewParams {
	return anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{msg},
		Temperature: anthropic.Float(0),
	}
}

func joinText(resp *anthropic.Message) string {
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// collectCitations gathers search result sources first, then any inline text
// citations, deduplicated by URL in encounter order.
func collectCitations(resp *anthropic.Message) []clinical.Citation {
	seen := map[string]struct{}{}
	out := []clinical.Citation{}
	add := func(title, url string) {
		url = strings.TrimSpace(url)
		if url == "" {
			return
		}
		if _, ok := seen[url]; ok {
			return
		}
		seen[url] = struct{}{}
		title = strings.TrimSpace(title)
		if title == "" {
			title = url
		}
		out = append(out, clinical.Citation{Title: title, URL: url})
	}
	for _, b := range resp.Content {
		if b.Type == "web_search_tool_result" {
			for _, r := range b.Content.OfWebSearchResultBlockArray {
				add(r.Title, r.URL)
			}
		}
	}
	for _, b := range resp.Content {
		if b.Type != "text" {
			continue
		}
		for _, c := range b.Citations {
			if c.Type == "web_search_result_location" {
				add(c.Title, c.URL)
			}
		}
	}
	return out
}
