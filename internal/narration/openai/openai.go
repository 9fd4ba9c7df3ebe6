// Package openai narrates events through the OpenAI responses API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Xziver/dg-core/internal/narration"
)

const systemPrompt = "You narrate a turn-based horror game in second person, " +
	"present tense. Write one short paragraph, at most three sentences. " +
	"Describe only what the mechanical outcome says happened. Never invent " +
	"dice numbers or rules."

// Config configures the OpenAI responses endpoint and HTTP behavior.
type Config struct {
	APIKey       string
	Model        string
	ResponsesURL string
	HTTPClient   *http.Client
}

type narrator struct {
	cfg Config
}

// New builds an OpenAI-backed narrator.
func New(cfg Config) narration.Narrator {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if strings.TrimSpace(cfg.ResponsesURL) == "" {
		cfg.ResponsesURL = "https://api.openai.com/v1/responses"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &narrator{cfg: cfg}
}

func (n *narrator) Narrate(ctx context.Context, req narration.Request) (string, error) {
	apiKey := strings.TrimSpace(n.cfg.APIKey)
	if apiKey == "" {
		return "", fmt.Errorf("api key is required")
	}

	requestBody, err := json.Marshal(map[string]any{
		"model":        n.cfg.Model,
		"instructions": systemPrompt,
		"input":        buildPrompt(req),
	})
	if err != nil {
		return "", fmt.Errorf("marshal narrate request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.ResponsesURL, bytes.NewReader(requestBody))
	if err != nil {
		return "", fmt.Errorf("build narrate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// Credential material is sent only as an Authorization header and is
	// never echoed in errors or response payloads.
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := n.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("narrate request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, err := io.ReadAll(io.LimitReader(res.Body, 4096))
		if err != nil {
			return "", fmt.Errorf("read narrate error body: %w", err)
		}
		return "", fmt.Errorf("narrate request status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode narrate response: %w", err)
	}
	outputText := strings.TrimSpace(payload.OutputText)
	if outputText == "" {
		for _, item := range payload.Output {
			for _, content := range item.Content {
				if strings.TrimSpace(content.Text) != "" {
					outputText = strings.TrimSpace(content.Text)
					break
				}
			}
			if outputText != "" {
				break
			}
		}
	}
	if outputText == "" {
		return "", fmt.Errorf("narrate response missing output text")
	}
	return outputText, nil
}

// buildPrompt flattens the request into one input block: world snippets,
// recent narratives for tone, then the event to describe.
func buildPrompt(req narration.Request) string {
	var b strings.Builder
	if len(req.Snippets) > 0 {
		b.WriteString("World context:\n")
		for _, snippet := range req.Snippets {
			fmt.Fprintf(&b, "- [%s] %s\n", snippet.Category, snippet.Text)
		}
		b.WriteString("\n")
	}
	if len(req.History) > 0 {
		b.WriteString("Recent narration:\n")
		for _, text := range req.History {
			fmt.Fprintf(&b, "- %s\n", text)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Event: %s\n", req.Kind)
	if req.ActorName != "" {
		fmt.Fprintf(&b, "Actor: %s\n", req.ActorName)
	}
	fmt.Fprintf(&b, "Outcome: %s\n", req.Outcome)
	return b.String()
}
