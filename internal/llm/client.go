// Package llm 计量AI接口客户端
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Kind 调用失败分类
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindRateLimited  Kind = "rate_limited"
	KindServerError  Kind = "server_error"
	KindUnknown      Kind = "unknown"
)

// ErrNotConfigured 未配置API Key
var ErrNotConfigured = errors.New("assistant provider not configured")

// Error 分类后的调用错误
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("metered call failed (%s, status %d): %v", e.Kind, e.StatusCode, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message 对话上下文中的一条消息
type Message struct {
	Role    string
	Content string
}

// Usage token用量
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request 一次计量调用
type Request struct {
	Model       string
	System      string
	History     []Message
	Input       string
	MaxTokens   int
	Temperature float32
}

// Response 调用结果
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// MeteredClient 按token计费的外部接口
type MeteredClient interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Ready() bool
}

// NoopClient 未配置时的占位实现
type NoopClient struct{}

func (NoopClient) Complete(ctx context.Context, req Request) (*Response, error) {
	return nil, &Error{Kind: KindUnauthorized, StatusCode: http.StatusUnauthorized, Err: ErrNotConfigured}
}

func (NoopClient) Ready() bool {
	return false
}

// OpenAIClient 使用OpenAI Chat Completions
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient apiKey 为空时返回 NoopClient
func NewOpenAIClient(apiKey, baseURL string) MeteredClient {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return NoopClient{}
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, errors.New("input is empty")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Input})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, Classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindUnknown, Err: errors.New("completion response empty")}
	}

	return &Response{
		Content: strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (c *OpenAIClient) Ready() bool {
	return c.client != nil
}

// Classify 按HTTP状态码归类错误
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	return &Error{Kind: kindForStatus(status), StatusCode: status, Err: err}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= http.StatusInternalServerError:
		return KindServerError
	default:
		return KindUnknown
	}
}
