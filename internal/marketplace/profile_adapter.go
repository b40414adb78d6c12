package marketplace

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/cardpilot/internal/browser"
	"github.com/kalambet/cardpilot/internal/vault"
)

var (
	// pollInterval paces checks for which login branch the portal took.
	pollInterval = 250 * time.Millisecond
	// probeTimeout bounds the element check made after a wait expires.
	probeTimeout = 2 * time.Second
)

// ProfileAdapter drives a portal described by a Profile.
type ProfileAdapter struct {
	p       *Profile
	pattern *regexp.Regexp
}

func NewProfileAdapter(p *Profile) *ProfileAdapter {
	a := &ProfileAdapter{p: p}
	if p.ProductForm.ConfirmationPattern != "" {
		a.pattern = regexp.MustCompile(p.ProductForm.ConfirmationPattern)
	}
	return a
}

func (a *ProfileAdapter) ID() string { return a.p.ID }

func (a *ProfileAdapter) SessionTTL() time.Duration { return a.p.SessionTTL }

func (a *ProfileAdapter) SupportsTOTP() bool { return a.p.TOTP }

// Profile returns the adapter's portal description.
func (a *ProfileAdapter) Profile() *Profile { return a.p }

// fail builds the StepFailure for err. When a wait expired, the selector is
// probed once more so a missing element is reported as such rather than as
// a slow page.
func (a *ProfileAdapter) fail(ctx context.Context, page browser.Page, step Step, selector string, err error) *StepFailure {
	var sf *StepFailure
	if errors.As(err, &sf) {
		return sf
	}
	if selector != "" && errors.Is(err, context.DeadlineExceeded) {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
		defer cancel()
		if ok, perr := page.Exists(probeCtx, selector); perr == nil && !ok {
			return &StepFailure{Step: step, Selector: selector, Cause: fmt.Errorf("selector not found: %s", selector)}
		}
	}
	return &StepFailure{Step: step, Selector: selector, Cause: err}
}

func (a *ProfileAdapter) Login(ctx context.Context, page browser.Page, creds *vault.Credentials) (LoginOutcome, error) {
	l := a.p.Login
	if err := page.Navigate(ctx, l.URL); err != nil {
		return 0, a.fail(ctx, page, StepLogin, "", err)
	}
	if err := page.Type(ctx, l.Username, creds.Username); err != nil {
		return 0, a.fail(ctx, page, StepLogin, l.Username, err)
	}
	if err := page.Type(ctx, l.Password, string(creds.Password)); err != nil {
		return 0, a.fail(ctx, page, StepLogin, l.Password, err)
	}
	if err := page.Click(ctx, l.Submit); err != nil {
		return 0, a.fail(ctx, page, StepLogin, l.Submit, err)
	}

	branches := []struct {
		sel     string
		outcome LoginOutcome
	}{
		{l.Success, LoginSuccess},
		{l.SecondFactor, LoginNeedsSecondFactor},
		{l.Captcha, LoginNeedsCaptcha},
		{l.Error, LoginRejected},
	}
	sels := make([]string, 0, len(branches))
	for _, b := range branches {
		sels = append(sels, b.sel)
	}
	hit, err := firstPresent(ctx, page, sels...)
	if err != nil {
		return 0, a.fail(ctx, page, StepLogin, "", err)
	}
	return branches[hit].outcome, nil
}

func (a *ProfileAdapter) SubmitSecondFactor(ctx context.Context, page browser.Page, code string) error {
	l := a.p.Login
	if l.SecondFactor == "" {
		return &StepFailure{Step: StepSecondFactor, Cause: errors.New("portal has no second factor step")}
	}
	if err := page.Type(ctx, l.SecondFactor, code); err != nil {
		return a.fail(ctx, page, StepSecondFactor, l.SecondFactor, err)
	}
	submit := l.SecondFactorSubmit
	if submit == "" {
		submit = l.Submit
	}
	if err := page.Click(ctx, submit); err != nil {
		return a.fail(ctx, page, StepSecondFactor, submit, err)
	}
	hit, err := firstPresent(ctx, page, l.Success, l.Error)
	if err != nil {
		return a.fail(ctx, page, StepSecondFactor, "", err)
	}
	if hit != 0 {
		return &StepFailure{Step: StepSecondFactor, Selector: l.Error, Cause: ErrSecondFactorRejected}
	}
	return nil
}

func (a *ProfileAdapter) LoggedIn(ctx context.Context, page browser.Page) (bool, error) {
	onLoginForm, err := page.Exists(ctx, a.p.Login.Username)
	if err != nil {
		return false, a.fail(ctx, page, StepNavigate, a.p.Login.Username, err)
	}
	return !onLoginForm, nil
}

func (a *ProfileAdapter) OpenProductForm(ctx context.Context, page browser.Page) error {
	f := a.p.ProductForm
	if err := page.Navigate(ctx, f.URL); err != nil {
		return a.fail(ctx, page, StepNavigate, "", err)
	}
	hit, err := firstPresent(ctx, page, f.Ready, a.p.Login.Username)
	if err != nil {
		return a.fail(ctx, page, StepNavigate, f.Ready, err)
	}
	if hit == 1 {
		return &StepFailure{Step: StepNavigate, Selector: f.Ready, Cause: ErrLoggedOut}
	}
	return nil
}

func (a *ProfileAdapter) FillForm(ctx context.Context, page browser.Page, listing Listing) error {
	f := a.p.ProductForm
	fields := []struct{ sel, val string }{
		{f.Title, listing.Title},
		{f.Description, listing.Description},
		{f.Price, listing.Price},
	}
	for _, fl := range fields {
		if fl.sel == "" || fl.val == "" {
			continue
		}
		if err := page.Type(ctx, fl.sel, fl.val); err != nil {
			return a.fail(ctx, page, StepFillForm, fl.sel, err)
		}
	}

	if f.SpecField == "" || len(listing.Specs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(listing.Specs))
	for k := range listing.Specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sel := strings.ReplaceAll(f.SpecField, "{key}", k)
		// Portals only render fields for the card's category.
		ok, err := page.Exists(ctx, sel)
		if err != nil {
			return a.fail(ctx, page, StepFillForm, sel, err)
		}
		if !ok {
			continue
		}
		if err := page.Type(ctx, sel, listing.Specs[k]); err != nil {
			return a.fail(ctx, page, StepFillForm, sel, err)
		}
	}
	return nil
}

func (a *ProfileAdapter) UploadMedia(ctx context.Context, page browser.Page, files []string) error {
	if len(files) == 0 {
		return nil
	}
	sel := a.p.ProductForm.MediaInput
	if sel == "" {
		return &StepFailure{Step: StepUploadMedia, Cause: errors.New("portal profile has no media input")}
	}
	if err := page.SetFiles(ctx, sel, files); err != nil {
		return a.fail(ctx, page, StepUploadMedia, sel, err)
	}
	return nil
}

func (a *ProfileAdapter) Submit(ctx context.Context, page browser.Page) (string, error) {
	f := a.p.ProductForm
	if err := page.Click(ctx, f.Submit); err != nil {
		return "", a.fail(ctx, page, StepSubmit, f.Submit, err)
	}
	if err := page.WaitVisible(ctx, f.Confirmation); err != nil {
		return "", a.fail(ctx, page, StepSubmit, f.Confirmation, err)
	}
	doc, err := page.HTML(ctx)
	if err != nil {
		return "", a.fail(ctx, page, StepSubmit, "", err)
	}
	id := extractConfirmationID(doc, f.ConfirmationAttr, a.pattern)
	if id == "" {
		// Fall back to the confirmation element's own text.
		if text, terr := page.Text(ctx, f.Confirmation); terr == nil && a.pattern != nil {
			if m := a.pattern.FindStringSubmatch(text); len(m) > 1 {
				id = strings.TrimSpace(m[1])
			}
		}
	}
	if id == "" {
		return "", &StepFailure{Step: StepSubmit, Selector: f.Confirmation, Cause: ErrNoConfirmation}
	}
	return id, nil
}

// firstPresent polls until one of sels is present and returns its index.
// Empty selectors are skipped.
func firstPresent(ctx context.Context, page browser.Page, sels ...string) (int, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		for i, sel := range sels {
			if sel == "" {
				continue
			}
			ok, err := page.Exists(ctx, sel)
			if err != nil {
				return -1, err
			}
			if ok {
				return i, nil
			}
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}
