package browser

import "context"

// WithAliases returns a Page that rewrites selectors found in aliases before
// delegating to p. It is used to re-run a step against a replacement
// selector without touching the adapter. A nil or empty map returns p.
func WithAliases(p Page, aliases map[string]string) Page {
	if len(aliases) == 0 {
		return p
	}
	return &aliasPage{Page: p, aliases: aliases}
}

type aliasPage struct {
	Page
	aliases map[string]string
}

func (a *aliasPage) sel(s string) string {
	if to, ok := a.aliases[s]; ok && to != "" {
		return to
	}
	return s
}

func (a *aliasPage) WaitVisible(ctx context.Context, selector string) error {
	return a.Page.WaitVisible(ctx, a.sel(selector))
}

func (a *aliasPage) Exists(ctx context.Context, selector string) (bool, error) {
	return a.Page.Exists(ctx, a.sel(selector))
}

func (a *aliasPage) Type(ctx context.Context, selector, text string) error {
	return a.Page.Type(ctx, a.sel(selector), text)
}

func (a *aliasPage) Click(ctx context.Context, selector string) error {
	return a.Page.Click(ctx, a.sel(selector))
}

func (a *aliasPage) SetFiles(ctx context.Context, selector string, paths []string) error {
	return a.Page.SetFiles(ctx, a.sel(selector), paths)
}

func (a *aliasPage) Text(ctx context.Context, selector string) (string, error) {
	return a.Page.Text(ctx, a.sel(selector))
}
