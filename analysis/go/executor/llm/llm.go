// Package llm implements the AI card executors on top of an OpenAI-compatible
// chat completions API. One Producer serves every AI card type; the prompt is
// assembled from the card type and the job's fetched artifacts, and the model
// is asked for a single JSON object which becomes the card payload.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/db"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/executor"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
	"github.com/elonfeng/dinq-analyze-sub001/go/derr"
	"github.com/elonfeng/dinq-analyze-sub001/go/httputils"
)

const (
	// DefaultModel is used when none is configured.
	DefaultModel = "gpt-4o-mini"

	// maxContextBytes bounds the artifact context included in the prompt.
	maxContextBytes = 48 << 10
)

// prompts maps card types to their instruction. The model must answer with a
// single JSON object.
var prompts = map[string]string{
	"roast":      "Write a short, witty, good-natured roast of this person based on their public activity. Answer as JSON: {\"text\": string}.",
	"role_model": "Name a well-known figure in this person's field they could look up to, with a one-sentence reason. Never name the person themselves. Answer as JSON: {\"name\": string, \"reason\": string}.",
	"salary":     "Estimate a plausible annual salary range in USD for this person based on their skills and experience. Answer as JSON: {\"currency\": \"USD\", \"low\": number, \"high\": number, \"rationale\": string}.",
	"summary":    "Summarize this person's professional profile in 2-3 sentences. Answer as JSON: {\"text\": string}.",
	"interests":  "List this person's apparent interests based on their public activity. Answer as JSON: {\"interests\": [string]}.",
	"skills":     "List this person's key skills with a 0-100 confidence each. Answer as JSON: {\"skills\": [{\"name\": string, \"confidence\": number}]}.",
}

// Config configures the Producer.
type Config struct {
	// BaseURL is the API endpoint, e.g. "https://api.openai.com/v1".
	BaseURL string

	// APIKey authenticates requests.
	APIKey string

	// Model selects the model; empty means DefaultModel.
	Model string
}

// Producer executes AI cards. Implements executor.CardExecutor.
type Producer struct {
	artifacts db.ArtifactDB
	client    *http.Client
	cfg       Config
}

// New returns a Producer.
func New(artifacts db.ArtifactDB, cfg Config) *Producer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Producer{
		artifacts: artifacts,
		client: &http.Client{
			Transport: httputils.NewBackOffTransport(),
			Timeout:   2 * time.Minute,
		},
		cfg: cfg,
	}
}

// CardTypes returns the card types the Producer knows a prompt for.
func CardTypes() []string {
	rv := make([]string, 0, len(prompts))
	for t := range prompts {
		rv = append(rv, t)
	}
	sort.Strings(rv)
	return rv
}

// Register binds the Producer to every AI card type of the given source.
func (p *Producer) Register(reg *executor.Registry, source string) {
	for _, t := range CardTypes() {
		reg.Register(source, t, p)
	}
}

// contextBlock renders the job's artifacts as a bounded JSON block for the
// prompt.
func (p *Producer) contextBlock(ctx context.Context, jobID string) (string, error) {
	artifacts, err := p.artifacts.GetArtifactsForJob(ctx, jobID)
	if err != nil {
		return "", derr.Wrap(err)
	}
	b, err := json.Marshal(artifacts)
	if err != nil {
		return "", derr.Wrap(err)
	}
	if len(b) > maxContextBytes {
		b = b[:maxContextBytes]
	}
	return string(b), nil
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// ExecuteCard implements executor.CardExecutor.
func (p *Producer) ExecuteCard(ctx context.Context, job *types.Job, card *types.Card, progress executor.ProgressFunc) (map[string]interface{}, error) {
	prompt, ok := prompts[card.Type]
	if !ok {
		return nil, executor.ErrNoExecutor
	}
	dataBlock, err := p.contextBlock(ctx, job.Id)
	if err != nil {
		return nil, err
	}
	progress("llm", "requesting completion", nil)

	reqBody, err := json.Marshal(&chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You analyze public professional profiles. " + prompt},
			{Role: "user", Content: "Subject " + job.SubjectKey + " on " + job.Source + ". Data:\n" + dataBlock},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, derr.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(p.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, derr.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, executor.Transient(derr.Wrapf(err, "requesting completion for %s", card.Type))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, executor.Transient(derr.Fmt("llm: rate limited"))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, derr.Fmt("llm: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, executor.Transient(derr.Wrap(err))
	}
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, derr.Wrapf(err, "decoding completion response")
	}
	if len(parsed.Choices) == 0 {
		return nil, derr.Fmt("llm: empty completion")
	}
	var rv map[string]interface{}
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &rv); err != nil {
		// A malformed completion is retryable; the next attempt re-rolls.
		return nil, executor.Transient(derr.Wrapf(err, "completion for %s was not a JSON object", card.Type))
	}
	return rv, nil
}

var _ executor.CardExecutor = (*Producer)(nil)
