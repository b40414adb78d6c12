// Package completion asks a local LLM for recovery actions.
package completion

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/cardpilot/internal/ollama"
	"github.com/kalambet/cardpilot/internal/recovery"
)

const proposalTimeout = 20 * time.Second

// maxCandidates bounds how many proposed actions the engine will try.
const maxCandidates = 5

// OllamaChatter is the interface for chat completion via Ollama.
type OllamaChatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Proposer turns a failure description into candidate recovery actions.
type Proposer struct {
	client OllamaChatter
	model  string
	logger *slog.Logger
}

func NewProposer(client OllamaChatter, model string, logger *slog.Logger) *Proposer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proposer{client: client, model: model, logger: logger}
}

// proposalResponse mirrors the schema. Parameters are decoded loosely since
// models sometimes emit numbers where strings are expected.
type proposalResponse struct {
	Analysis string `json:"analysis"`
	Actions  []struct {
		Type        string         `json:"type"`
		Description string         `json:"description"`
		Automated   *bool          `json:"automated"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"actions"`
}

// Propose returns candidate actions for pc. On any failure (timeout,
// malformed JSON, Ollama error) it returns a zero Proposal.
func (p *Proposer) Propose(ctx context.Context, pc recovery.PromptContext) recovery.Proposal {
	ctx, cancel := context.WithTimeout(ctx, proposalTimeout)
	defer cancel()

	raw, err := p.client.Chat(ctx, p.model, BuildPrompt(pc), proposalSchema())
	if err != nil {
		p.logger.Warn("recovery proposal chat failed", "error_type", pc.ErrorType, "error", err)
		return recovery.Proposal{}
	}
	return parseProposal(raw, p.logger)
}

func parseProposal(raw string, logger *slog.Logger) recovery.Proposal {
	var resp proposalResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &resp); err != nil {
		logger.Warn("failed to unmarshal recovery proposal", "error", err)
		return recovery.Proposal{}
	}

	out := recovery.Proposal{Analysis: strings.TrimSpace(resp.Analysis)}
	for _, a := range resp.Actions {
		typ := recovery.ActionType(strings.ToLower(strings.TrimSpace(a.Type)))
		if !typ.Known() {
			logger.Debug("dropping proposed action of unknown type", "type", a.Type)
			continue
		}
		action := recovery.Action{
			Type:        typ,
			Description: strings.TrimSpace(a.Description),
			Automated:   a.Automated == nil || *a.Automated,
		}
		for k, v := range a.Parameters {
			s, ok := paramString(v)
			if !ok {
				continue
			}
			if action.Parameters == nil {
				action.Parameters = map[string]string{}
			}
			action.Parameters[k] = s
		}
		out.Actions = append(out.Actions, action)
		if len(out.Actions) == maxCandidates {
			break
		}
	}
	return out
}

func paramString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), true
	case float64, bool:
		b, _ := json.Marshal(x)
		return string(b), true
	default:
		return "", false
	}
}

// proposalSchema returns the Ollama JSON schema for structured proposals.
func proposalSchema() *ollama.Schema {
	types := make([]string, len(recovery.ActionTypes))
	for i, t := range recovery.ActionTypes {
		types[i] = string(t)
	}
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"analysis": {Type: "string", Description: "One sentence on the likely cause"},
			"actions": {
				Type:        "array",
				Description: "Recovery actions, most promising first",
				Items: &ollama.SchemaProperty{
					Type: "object",
					Properties: map[string]ollama.SchemaProperty{
						"type":        {Type: "string", Enum: types},
						"description": {Type: "string"},
						"automated":   {Type: "boolean", Description: "False when a human must act"},
						"parameters":  {Type: "object", Description: "String key/value parameters for the action"},
					},
					Required: []string{"type", "description", "automated"},
				},
			},
		},
		Required: []string{"analysis", "actions"},
	}
}
