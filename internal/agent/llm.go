package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/tejun/internal/errs"
	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/policy"
	"github.com/ashita-ai/tejun/internal/runbook"
)

// perCallTimeout is the maximum time for a single chat completion call,
// separate from the step's overall adapter budget.
const perCallTimeout = 30 * time.Second

// defaultBaseURL is the OpenAI API endpoint; tests point the client elsewhere.
const defaultBaseURL = "https://api.openai.com"

// modelPricing maps model ids to USD cost per million tokens (input, output).
// Unknown models accrue tokens but zero cost.
var modelPricing = map[string][2]float64{
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4o":      {2.50, 10.00},
}

// ChatClient is a minimal OpenAI chat completions client. It returns the
// assistant content plus token usage; callers own prompt construction and
// output validation.
type ChatClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewChatClient creates a client for the given model. Empty baseURL selects
// the OpenAI API.
func NewChatClient(apiKey, model, baseURL string) *ChatClient {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &ChatClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: perCallTimeout + 5*time.Second,
		},
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends one system+user exchange and returns the assistant content.
func (c *ChatClient) Complete(ctx context.Context, system, user string) (string, model.Usage, error) {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", model.Usage{}, fmt.Errorf("agent: marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", model.Usage{}, fmt.Errorf("agent: create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", model.Usage{}, fmt.Errorf("agent: chat request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", model.Usage{}, fmt.Errorf("agent: chat status %d: %s", resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", model.Usage{}, fmt.Errorf("agent: decode chat response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", model.Usage{}, fmt.Errorf("agent: no choices in chat response")
	}

	usage := model.Usage{
		TokensIn:  result.Usage.PromptTokens,
		TokensOut: result.Usage.CompletionTokens,
		WallMS:    time.Since(start).Milliseconds(),
	}
	if price, ok := modelPricing[c.model]; ok {
		usage.CostUSD = float64(usage.TokensIn)*price[0]/1e6 + float64(usage.TokensOut)*price[1]/1e6
	}
	return result.Choices[0].Message.Content, usage, nil
}

const plannerSystemPrompt = `You are a runbook planner for an operations automation system.
Given a runbook document and the available tool catalog, produce the ordered list
of concrete steps to execute. Respond with a single JSON object of the form
{"steps":[{"name":"...","tool":"...","args":{...}}]}.
Every tool must come from the catalog. Do not invent tools. Do not add prose.`

const toolcallerSystemPrompt = `You are a tool call resolver for an operations automation system.
Given one runbook step and the available tool catalog, choose the tool and concrete
arguments that accomplish it. Respond with a single JSON object of the form
{"tool":"...","args":{...},"confidence":0.0,"rationale":"..."}.
The tool must come from the catalog. Confidence is between 0 and 1. Do not add prose.`

const reviewerSystemPrompt = `You are a safety reviewer for an operations automation system.
Given a proposed tool invocation and the governing policy, decide whether it may
proceed. Respond with a single JSON object of the form
{"decision":"allow|block|require_approval","reasons":["..."]}.
Be conservative: when in doubt, require approval. Do not add prose.`

// LLMPlanner produces a plan via chat completion, validating the output
// against a strict schema and re-prompting up to maxRetries times on
// malformed output.
type LLMPlanner struct {
	Client     *ChatClient
	MaxRetries int
}

func (p *LLMPlanner) Plan(ctx context.Context, doc model.RunbookDoc, runContext map[string]any, catalog []string) (Plan, error) {
	docYAML, err := runbook.Marshal(doc)
	if err != nil {
		return Plan{}, err
	}
	user := fmt.Sprintf("Tool catalog: %s\n\nRun context: %s\n\nRunbook:\n%s",
		strings.Join(catalog, ", "), compactJSON(runContext), docYAML)

	var total model.Usage
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		content, usage, err := p.Client.Complete(ctx, plannerSystemPrompt, user)
		total.Add(usage)
		if err != nil {
			return Plan{Usage: total}, err
		}
		steps, err := parsePlan(content, catalog)
		if err == nil {
			return Plan{Steps: steps, Usage: total}, nil
		}
		lastErr = err
		user = fmt.Sprintf("%s\n\nYour previous output was rejected: %v\nRespond again with only the JSON object.", user, err)
	}
	return Plan{Usage: total}, lastErr
}

// LLMToolcaller resolves one step via chat completion with the same
// rejection and retry discipline as the planner.
type LLMToolcaller struct {
	Client     *ChatClient
	MaxRetries int
}

func (t *LLMToolcaller) Call(ctx context.Context, step model.StepTemplate, runContext map[string]any, catalog []string) (ToolCall, error) {
	stepJSON, _ := json.Marshal(step)
	user := fmt.Sprintf("Tool catalog: %s\n\nRun context: %s\n\nStep:\n%s",
		strings.Join(catalog, ", "), compactJSON(runContext), stepJSON)

	var total model.Usage
	var lastErr error
	for attempt := 0; attempt <= t.MaxRetries; attempt++ {
		content, usage, err := t.Client.Complete(ctx, toolcallerSystemPrompt, user)
		total.Add(usage)
		if err != nil {
			return ToolCall{Usage: total}, err
		}
		call, err := parseToolCall(content, catalog)
		if err == nil {
			call.Usage = total
			return call, nil
		}
		lastErr = err
		user = fmt.Sprintf("%s\n\nYour previous output was rejected: %v\nRespond again with only the JSON object.", user, err)
	}
	return ToolCall{Usage: total}, lastErr
}

// LLMReviewer obtains a verdict from the model, then intersects it with the
// policy evaluator: the stricter effect wins, and a disagreement is reported
// for auditing. The evaluator alone can therefore never be loosened by the
// model.
type LLMReviewer struct {
	Client     *ChatClient
	Eval       *policy.Evaluator
	MaxRetries int
}

func (r *LLMReviewer) Review(ctx context.Context, in ReviewInput) (Review, error) {
	policyDecision := r.Eval.Evaluate(in.Policy, in.Doc)

	docYAML, err := policy.Marshal(in.Doc)
	if err != nil {
		return Review{}, err
	}
	argsJSON := compactJSON(in.Policy.Args)
	user := fmt.Sprintf("Subject: %s (roles %s)\nTool: %s\nArgs: %s\n\nPolicy:\n%s",
		in.Policy.Subject.ID, strings.Join(in.Policy.Subject.Roles, ","), in.Policy.Tool, argsJSON, docYAML)

	var total model.Usage
	var llmDecision model.Decision
	var lastErr error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		content, usage, cerr := r.Client.Complete(ctx, reviewerSystemPrompt, user)
		total.Add(usage)
		if cerr != nil {
			return Review{Usage: total}, cerr
		}
		llmDecision, lastErr = parseReview(content)
		if lastErr == nil {
			break
		}
		user = fmt.Sprintf("%s\n\nYour previous output was rejected: %v\nRespond again with only the JSON object.", user, lastErr)
	}
	if lastErr != nil {
		return Review{Usage: total}, lastErr
	}

	final := model.Decision{
		Effect:  policyDecision.Effect.Stricter(llmDecision.Effect),
		Reasons: policyDecision.Reasons,
	}
	disagreed := llmDecision.Effect != policyDecision.Effect
	if disagreed && final.Effect == llmDecision.Effect {
		// The model was the stricter side; its reasons explain the verdict.
		final.Reasons = llmDecision.Reasons
	}
	return Review{
		Decision:  final,
		LLM:       &llmDecision,
		Disagreed: disagreed,
		Usage:     total,
	}, nil
}

// planEnvelope is the strict planner output schema.
type planEnvelope struct {
	Steps []struct {
		Name string         `json:"name"`
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	} `json:"steps"`
}

func parsePlan(content string, catalog []string) ([]model.PlannedStep, error) {
	var env planEnvelope
	if err := strictUnmarshal(content, &env); err != nil {
		return nil, err
	}
	if len(env.Steps) == 0 {
		return nil, errs.New(errs.KindAgentMalformed, "agent: plan has no steps")
	}
	steps := make([]model.PlannedStep, 0, len(env.Steps))
	for i, s := range env.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return nil, errs.Newf(errs.KindAgentMalformed, "agent: plan step %d: missing name", i)
		}
		if !runbook.ValidToolID(s.Tool) {
			return nil, errs.Newf(errs.KindAgentMalformed, "agent: plan step %q: malformed tool id %q", s.Name, s.Tool)
		}
		if !inCatalog(catalog, s.Tool) {
			return nil, errs.Newf(errs.KindAgentMalformed, "agent: plan step %q: unknown tool %q", s.Name, s.Tool)
		}
		steps = append(steps, model.PlannedStep{Name: s.Name, Tool: s.Tool, Args: s.Args})
	}
	return steps, nil
}

// toolCallEnvelope is the strict toolcaller output schema.
type toolCallEnvelope struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args"`
	Confidence float64        `json:"confidence"`
	Rationale  string         `json:"rationale"`
}

func parseToolCall(content string, catalog []string) (ToolCall, error) {
	var env toolCallEnvelope
	if err := strictUnmarshal(content, &env); err != nil {
		return ToolCall{}, err
	}
	if !runbook.ValidToolID(env.Tool) {
		return ToolCall{}, errs.Newf(errs.KindAgentMalformed, "agent: tool call: malformed tool id %q", env.Tool)
	}
	if !inCatalog(catalog, env.Tool) {
		return ToolCall{}, errs.Newf(errs.KindAgentMalformed, "agent: tool call: unknown tool %q", env.Tool)
	}
	if env.Confidence < 0 || env.Confidence > 1 {
		return ToolCall{}, errs.Newf(errs.KindAgentMalformed, "agent: tool call: confidence %v out of range", env.Confidence)
	}
	return ToolCall{
		Tool:       env.Tool,
		Args:       env.Args,
		Confidence: env.Confidence,
		Rationale:  env.Rationale,
	}, nil
}

// reviewEnvelope is the strict reviewer output schema.
type reviewEnvelope struct {
	Decision string   `json:"decision"`
	Reasons  []string `json:"reasons"`
}

func parseReview(content string) (model.Decision, error) {
	var env reviewEnvelope
	if err := strictUnmarshal(content, &env); err != nil {
		return model.Decision{}, err
	}
	switch model.Effect(env.Decision) {
	case model.EffectAllow, model.EffectBlock, model.EffectRequireApproval:
	default:
		return model.Decision{}, errs.Newf(errs.KindAgentMalformed, "agent: review: unknown decision %q", env.Decision)
	}
	return model.Decision{Effect: model.Effect(env.Decision), Reasons: env.Reasons}, nil
}

// strictUnmarshal decodes content into v, rejecting unknown fields, trailing
// data, and markdown fences around the JSON object.
func strictUnmarshal(content string, v any) error {
	content = stripFences(content)
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.KindAgentMalformed, "agent: malformed JSON output", err)
	}
	if dec.More() {
		return errs.New(errs.KindAgentMalformed, "agent: trailing data after JSON output")
	}
	return nil
}

// stripFences removes a surrounding ```json ... ``` fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func inCatalog(catalog []string, tool string) bool {
	for _, t := range catalog {
		if t == tool {
			return true
		}
	}
	return false
}

func compactJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
