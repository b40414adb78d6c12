package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/cardpilot/internal/pipeline"
	"github.com/kalambet/cardpilot/internal/session"
	"github.com/kalambet/cardpilot/internal/storage"
)

// NewMCPServer creates an MCP server with the cardpilot tools and resources
// registered.
func NewMCPServer(d Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"cardpilot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("cardpilot publishes product cards to marketplace seller portals and reports what needed a human."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_listing",
			mcp.WithDescription("Queue a product card for publication on a marketplace."),
			mcp.WithString("partner_id", mcp.Description("Seller the card belongs to"), mcp.Required()),
			mcp.WithString("marketplace_id", mcp.Description("Marketplace profile ID, e.g. ozon"), mcp.Required()),
			mcp.WithString("payload", mcp.Description("JSON object: title, description, price, images, video, specs, spec_sheet_url"), mcp.Required()),
		),
		mcpSubmitListing(d),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Return a listing job with its state and recorded failures."),
			mcp.WithString("job_id", mcp.Description("Job ID returned by submit_listing"), mcp.Required()),
		),
		mcpJobStatus(d),
	)

	s.AddTool(
		mcp.NewTool("list_tickets",
			mcp.WithDescription("List support tickets filed for failures automation could not fix."),
			mcp.WithString("status", mcp.Description("open or closed; empty lists all")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of tickets (default 20)")),
		),
		mcpListTickets(d),
	)

	s.AddTool(
		mcp.NewTool("resolve_captcha",
			mcp.WithDescription("Record that an operator solved (or gave up on) the captcha blocking a portal session."),
			mcp.WithString("partner_id", mcp.Required()),
			mcp.WithString("marketplace_id", mcp.Required()),
			mcp.WithBoolean("solved", mcp.Description("Whether the captcha was solved in the browser"), mcp.Required()),
		),
		mcpResolveCaptcha(d),
	)

	s.AddTool(
		mcp.NewTool("relay_code",
			mcp.WithDescription("Pass a second-factor code (SMS or e-mail) to a portal login that is waiting for it."),
			mcp.WithString("partner_id", mcp.Required()),
			mcp.WithString("marketplace_id", mcp.Required()),
			mcp.WithString("code", mcp.Description("The one-time code the portal sent"), mcp.Required()),
		),
		mcpRelayCode(d),
	)

	s.AddResource(
		mcp.NewResource(
			"cardpilot://knowledge-base",
			"Knowledge Base",
			mcp.WithResourceDescription("Recovery actions known to work, per error type, best first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceKnowledgeBase(d),
	)

	s.AddResource(
		mcp.NewResource(
			"cardpilot://errors/top",
			"Top Error Fingerprints",
			mcp.WithResourceDescription("Most frequent failure fingerprints since start"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceTopErrors(d),
	)

	return s
}

func mcpSubmitListing(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		partnerID, err := req.RequireString("partner_id")
		if err != nil {
			return mcpError("partner_id is required"), nil
		}
		marketplaceID, err := req.RequireString("marketplace_id")
		if err != nil {
			return mcpError("marketplace_id is required"), nil
		}
		raw, err := req.RequireString("payload")
		if err != nil {
			return mcpError("payload is required"), nil
		}
		var payload pipeline.Payload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return mcpError(fmt.Sprintf("invalid payload JSON: %v", err)), nil
		}

		job, err := submitJob(d, SubmitRequest{PartnerID: partnerID, MarketplaceID: marketplaceID, Payload: payload})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to submit: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued job %s", job.ID)), nil
	}
}

func mcpJobStatus(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		job, err := loadJob(d, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load job: %v", err)), nil
		}
		b, err := json.Marshal(job)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListTickets(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}
		tickets, err := d.Store.ListTickets(req.GetString("status", ""), limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list tickets: %v", err)), nil
		}
		out := make([]ticketView, 0, len(tickets))
		for _, t := range tickets {
			out = append(out, toTicketView(t))
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal tickets: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResolveCaptcha(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		partnerID, err := req.RequireString("partner_id")
		if err != nil {
			return mcpError("partner_id is required"), nil
		}
		marketplaceID, err := req.RequireString("marketplace_id")
		if err != nil {
			return mcpError("marketplace_id is required"), nil
		}
		solved, err := req.RequireBool("solved")
		if err != nil {
			return mcpError("solved is required"), nil
		}
		if d.Sessions == nil {
			return mcpError("no session pool available"), nil
		}

		key := session.Key{PartnerID: partnerID, MarketplaceID: marketplaceID}
		state, err := d.Sessions.ResolveCaptcha(ctx, key, solved)
		if err != nil {
			return mcpError(fmt.Sprintf("session %s is %s: %v", key, state, err)), nil
		}
		return mcpText(fmt.Sprintf("Session %s is now %s", key, state)), nil
	}
}

func mcpRelayCode(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		partnerID, err := req.RequireString("partner_id")
		if err != nil {
			return mcpError("partner_id is required"), nil
		}
		marketplaceID, err := req.RequireString("marketplace_id")
		if err != nil {
			return mcpError("marketplace_id is required"), nil
		}
		code, err := req.RequireString("code")
		if err != nil {
			return mcpError("code is required"), nil
		}
		if d.Codes == nil {
			return mcpError("second-factor relay not available"), nil
		}

		key := session.Key{PartnerID: partnerID, MarketplaceID: marketplaceID}
		if err := d.Codes.Put(key, code); err != nil {
			return mcpError(fmt.Sprintf("relaying code for %s: %v", key, err)), nil
		}
		return mcpText(fmt.Sprintf("Code relayed to the %s login", key)), nil
	}
}

func mcpResourceKnowledgeBase(d Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		text, err := marshalIndent(knowledgeSnapshot(d))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal knowledge base: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     text,
			},
		}, nil
	}
}

func mcpResourceTopErrors(d Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		text, err := marshalIndent(topFingerprints(d, 20))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal fingerprints: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     text,
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
