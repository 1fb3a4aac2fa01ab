package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"estrader/internal/logger"
	"estrader/internal/trace"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
)

// 中文说明：
// OpenAIChatClient：兼容 OpenAI / DeepSeek / Qwen 的聊天补全接口（/v1/chat/completions），支持图片输入。

type OpenAIChatClient struct {
	id           string
	model        string
	vision       bool
	apiKey       string
	extraHeaders map[string]string
	client       *resty.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAIChatClient 规范化 BaseURL，避免配置里已经带了 /chat/completions 导致路径重复。
func NewOpenAIChatClient(cfg ModelCfg, timeout time.Duration) *OpenAIChatClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	base = strings.TrimSuffix(base, "/chat/completions")
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(800 * time.Millisecond).
		SetRetryMaxWaitTime(8 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil || r == nil {
				return false
			}
			switch r.StatusCode() {
			case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
				http.StatusServiceUnavailable, http.StatusGatewayTimeout:
				return true
			}
			return false
		})
	return &OpenAIChatClient{
		id:           cfg.ID,
		model:        cfg.Model,
		vision:       cfg.SupportsVision,
		apiKey:       cfg.APIKey,
		extraHeaders: cfg.Headers,
		client:       client,
	}
}

func (c *OpenAIChatClient) ID() string           { return c.id }
func (c *OpenAIChatClient) Model() string        { return c.model }
func (c *OpenAIChatClient) SupportsVision() bool { return c.vision }

func (c *OpenAIChatClient) Call(ctx context.Context, payload ChatPayload) (out string, err error) {
	ctx, span := trace.StartSpan(ctx, "oracle.chat",
		attribute.String("model", c.model),
		attribute.Int("images", len(payload.Images)),
	)
	defer func() { trace.End(span, err) }()

	if len(payload.Images) > 0 && !c.vision {
		return "", fmt.Errorf("provider %s does not accept images", c.id)
	}
	body := map[string]any{
		"model":       c.model,
		"messages":    c.buildMessages(payload),
		"temperature": 0.2,
	}
	if payload.MaxTokens > 0 {
		body["max_tokens"] = payload.MaxTokens
	}
	if payload.ExpectJSON {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	req := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if c.apiKey != "" {
		req.SetAuthToken(c.apiKey)
	}
	for k, v := range c.extraHeaders {
		req.SetHeader(k, v)
	}
	logger.Debugf("[oracle] 请求: POST %s/chat/completions model=%s headers=%v images=%d",
		c.client.BaseURL, c.model, maskHeaders(c.apiKey, c.extraHeaders), len(payload.Images))

	var result chatResponse
	var apiErr chatError
	resp, err := req.SetResult(&result).SetError(&apiErr).Post("/chat/completions")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		msg := strings.TrimSpace(apiErr.Error.Message)
		if msg == "" {
			msg = resp.Status()
		}
		return "", fmt.Errorf("status=%d: %s", resp.StatusCode(), msg)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("empty choices")
	}
	return result.Choices[0].Message.Content, nil
}

func (c *OpenAIChatClient) buildMessages(payload ChatPayload) []chatMessage {
	messages := make([]chatMessage, 0, 2)
	if payload.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: payload.System})
	}
	if len(payload.Images) == 0 {
		return append(messages, chatMessage{Role: "user", Content: payload.User})
	}
	parts := []contentPart{{Type: "text", Text: payload.User}}
	for _, img := range payload.Images {
		if img.Description != "" {
			parts = append(parts, contentPart{Type: "text", Text: img.Description})
		}
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: img.DataURI}})
	}
	return append(messages, chatMessage{Role: "user", Content: parts})
}

// maskHeaders 只展示密钥后 4 位。
func maskHeaders(apiKey string, extra map[string]string) map[string]string {
	out := map[string]string{"Content-Type": "application/json"}
	if apiKey != "" {
		out["Authorization"] = "Bearer " + mask(apiKey)
	}
	for k, v := range extra {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "key") || strings.Contains(lk, "token") || strings.Contains(lk, "auth") {
			v = mask(v)
		}
		out[k] = v
	}
	return out
}

func mask(v string) string {
	if len(v) > 4 {
		return "****" + v[len(v)-4:]
	}
	return "****"
}
