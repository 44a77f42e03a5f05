package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/manimstudio/api/internal/config"
	"github.com/manimstudio/api/internal/model"
)

// ErrGeneratorNotConfigured is returned without a network call when no API key is set
var ErrGeneratorNotConfigured = errors.New("source generator is not configured")

const systemPrompt = `You are an expert in the Manim animation library. Generate Python code for a Manim animation from the user's description.

Rules:
1. Output ONLY valid, executable Python code. No markdown and no explanations.
2. Import everything you need from manim at the top.
3. Define a SINGLE class called "PromptAnimation" that inherits from Scene.
4. The class MUST contain a construct(self) method holding all animation logic.
5. Use standard Manim objects and animations (Circle, Square, Text, Create, FadeIn, Transform, ...).
6. End with self.wait() to hold the final frame.

Example:
from manim import *

class PromptAnimation(Scene):
    def construct(self):
        circle = Circle(color=BLUE, fill_opacity=0.5)
        self.play(Create(circle))
        self.wait()`

// GenerationError is a non-retriable failure to produce usable source
type GenerationError struct {
	Reason string
}

func (e *GenerationError) Error() string {
	return "failed to generate source: " + e.Reason
}

// GeneratorClient turns prompts into scene source through an OpenAI-compatible API
type GeneratorClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
}

// ChatMessage represents a message in the chat completion request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest represents the request body for chat completion
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse represents the response from chat completion
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// NewGeneratorClient creates a new generator client
func NewGeneratorClient(cfg *config.GeneratorConfig) *GeneratorClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GeneratorClient{
		httpClient: &http.Client{},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		timeout:    timeout,
	}
}

// Generate returns validated scene source for prompt
func (c *GeneratorClient) Generate(ctx context.Context, prompt string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrGeneratorNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	content, err := c.chatCompletion(ctx, systemPrompt, prompt)
	if err != nil {
		return "", err
	}

	source := model.StripFences(content)
	if err := model.ValidateSource(source); err != nil {
		return "", &GenerationError{Reason: err.Error()}
	}
	return source, nil
}

func (c *GeneratorClient) chatCompletion(ctx context.Context, system, user string) (string, error) {
	reqBody := ChatCompletionRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.4,
		MaxTokens:   2048,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("generator request timed out after %s: %w", c.timeout, err)
		}
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generator API error (status %d): %s", resp.StatusCode, truncate(string(respBody), 512))
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return "", &GenerationError{Reason: "no choices in response"}
	}

	return chatResp.Choices[0].Message.Content, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *GeneratorClient) IsConfigured() bool {
	return c.apiKey != ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
