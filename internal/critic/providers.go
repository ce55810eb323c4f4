package critic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basislabs/basis-gateway/internal/core"
)

// systemPrompt frames the critic adversarially: assume bad intent until the
// plan proves otherwise, and answer only with the verdict schema.
const systemPrompt = `You are an adversarial security reviewer for AI agent plans.
Assume bad intent until proven otherwise. Look for euphemisms masking destructive
actions, privilege escalation, data exfiltration, and scope creep.
Respond ONLY with a JSON object:
{"judgment":"safe|suspicious|dangerous|block","confidence":0.0-1.0,
"risk_adjustment":-0.5 to 0.5,"hidden_risks":["..."],
"recommended_action":"proceed|escalate|block|modify","reasoning":"..."}`

func userPrompt(req core.CriticRequest) string {
	return fmt.Sprintf(
		"Goal: %s\nPlanner risk score: %.2f\nTools required: %s\nPlanner reasoning: %s\nContext: %s",
		req.Goal, req.PlannerRisk, strings.Join(req.ToolsRequired, ", "), req.PlannerTrace, req.Context)
}

// stripFences removes a markdown code fence wrapper if the model added one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

func parseVerdict(text string) (*core.CriticVerdict, error) {
	var raw struct {
		Judgment          string   `json:"judgment"`
		Confidence        float64  `json:"confidence"`
		RiskAdjustment    float64  `json:"risk_adjustment"`
		HiddenRisks       []string `json:"hidden_risks"`
		RecommendedAction string   `json:"recommended_action"`
		Reasoning         string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &raw); err != nil {
		return nil, fmt.Errorf("critic response is not valid verdict JSON: %w", err)
	}
	return &core.CriticVerdict{
		VerdictID:         core.NewCriticID(),
		Judgment:          core.Judgment(raw.Judgment),
		Confidence:        raw.Confidence,
		RiskAdjustment:    raw.RiskAdjustment,
		HiddenRisks:       raw.HiddenRisks,
		RecommendedAction: core.RecommendedAction(raw.RecommendedAction),
		Reasoning:         raw.Reasoning,
	}, nil
}

// ProviderConfig selects and parameterizes a provider adapter.
type ProviderConfig struct {
	Name        string // anthropic | openai | google | xai
	APIKey      string
	Model       string
	Temperature float64
	BaseURL     string // override for tests / proxies
}

// NewProvider builds the adapter named in the config.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}
	switch cfg.Name {
	case "anthropic":
		if cfg.Model == "" {
			cfg.Model = "claude-sonnet-4-20250514"
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.anthropic.com"
		}
		return &anthropicProvider{cfg: cfg, client: client}, nil
	case "openai":
		if cfg.Model == "" {
			cfg.Model = "gpt-4o"
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com"
		}
		return &chatProvider{cfg: cfg, client: client, path: "/v1/chat/completions"}, nil
	case "xai":
		if cfg.Model == "" {
			cfg.Model = "grok-3"
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.x.ai"
		}
		return &chatProvider{cfg: cfg, client: client, path: "/v1/chat/completions"}, nil
	case "google":
		if cfg.Model == "" {
			cfg.Model = "gemini-2.0-flash"
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://generativelanguage.googleapis.com"
		}
		return &geminiProvider{cfg: cfg, client: client}, nil
	default:
		return nil, fmt.Errorf("unknown critic provider %q", cfg.Name)
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ---------------------------------------------------------------------------
// Anthropic Messages API
// ---------------------------------------------------------------------------

type anthropicProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

func (p *anthropicProvider) ModelName() string { return p.cfg.Model }

func (p *anthropicProvider) Analyze(ctx context.Context, req core.CriticRequest) (*core.CriticVerdict, error) {
	body := map[string]interface{}{
		"model":       p.cfg.Model,
		"max_tokens":  1024,
		"temperature": p.cfg.Temperature,
		"system":      systemPrompt,
		"messages": []map[string]string{
			{"role": "user", "content": userPrompt(req)},
		},
	}
	data, err := postJSON(ctx, p.client, p.cfg.BaseURL+"/v1/messages", map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": "2023-06-01",
	}, body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}
	if len(resp.Content) == 0 {
		return nil, fmt.Errorf("anthropic response had no content blocks")
	}
	return parseVerdict(resp.Content[0].Text)
}

// ---------------------------------------------------------------------------
// OpenAI-compatible chat completions (OpenAI, xAI)
// ---------------------------------------------------------------------------

type chatProvider struct {
	cfg    ProviderConfig
	client *http.Client
	path   string
}

func (p *chatProvider) ModelName() string { return p.cfg.Model }

func (p *chatProvider) Analyze(ctx context.Context, req core.CriticRequest) (*core.CriticVerdict, error) {
	body := map[string]interface{}{
		"model":       p.cfg.Model,
		"temperature": p.cfg.Temperature,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt(req)},
		},
	}
	data, err := postJSON(ctx, p.client, p.cfg.BaseURL+p.path, map[string]string{
		"Authorization": "Bearer " + p.cfg.APIKey,
	}, body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat response had no choices")
	}
	return parseVerdict(resp.Choices[0].Message.Content)
}

// ---------------------------------------------------------------------------
// Google Gemini
// ---------------------------------------------------------------------------

type geminiProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

func (p *geminiProvider) ModelName() string { return p.cfg.Model }

func (p *geminiProvider) Analyze(ctx context.Context, req core.CriticRequest) (*core.CriticVerdict, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		p.cfg.BaseURL, p.cfg.Model, p.cfg.APIKey)
	body := map[string]interface{}{
		"systemInstruction": map[string]interface{}{
			"parts": []map[string]string{{"text": systemPrompt}},
		},
		"contents": []map[string]interface{}{
			{"role": "user", "parts": []map[string]string{{"text": userPrompt(req)}}},
		},
		"generationConfig": map[string]interface{}{
			"temperature": p.cfg.Temperature,
		},
	}
	data, err := postJSON(ctx, p.client, url, nil, body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini response had no candidates")
	}
	return parseVerdict(resp.Candidates[0].Content.Parts[0].Text)
}
