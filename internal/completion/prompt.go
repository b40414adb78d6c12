package completion

import (
	"fmt"
	"strings"

	"github.com/kalambet/cardpilot/internal/ollama"
	"github.com/kalambet/cardpilot/internal/recovery"
)

const systemPrompt = `You are a recovery planner for a browser automation that creates product cards in marketplace seller portals. Given one failure, propose recovery actions. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Action types:
- "retry": re-run the failed step (transient failures)
- "refresh_session": log in again, then re-run the step (expired or broken session)
- "change_selector": re-run the step with a different CSS selector; set parameters.selector to the replacement and parameters.from to the selector it replaces
- "wait": pause, then re-run the step once (rate limits); parameters.duration may hold a Go duration such as "45s"
- "fallback": use a registered non-browser path for the step

Rules:
- Order actions from most to least likely to work.
- Set automated to false for anything that needs a human.
- Never propose an action already listed as tried and failed.
- Never include credentials or personal data in parameters.`

// BuildPrompt constructs the chat messages for one failure.
func BuildPrompt(pc recovery.PromptContext) []ollama.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Error type: %s\n", pc.ErrorType)
	fmt.Fprintf(&sb, "Severity: %s\n", pc.Severity)
	if pc.MarketplaceID != "" {
		fmt.Fprintf(&sb, "Marketplace: %s\n", pc.MarketplaceID)
	}
	if pc.Context.Step != "" {
		fmt.Fprintf(&sb, "Step: %s\n", pc.Context.Step)
	}
	if pc.Context.Selector != "" {
		fmt.Fprintf(&sb, "Selector: %s\n", pc.Context.Selector)
	}
	fmt.Fprintf(&sb, "Message: %s\n", pc.Message)

	if len(pc.Tried) > 0 {
		sb.WriteString("\n[Tried and failed]\n")
		for _, a := range pc.Tried {
			fmt.Fprintf(&sb, "- %s %s\n", a.Type, a.Description)
		}
	}
	if pc.Want == recovery.ChangeSelector {
		sb.WriteString("\nPropose only change_selector actions, each with parameters.selector set.\n")
	}

	return []ollama.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}
