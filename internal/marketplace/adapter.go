// Package marketplace holds the per-marketplace adapters that drive seller
// portal pages. All marketplace-specific selectors and URLs live here.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/cardpilot/internal/browser"
	"github.com/kalambet/cardpilot/internal/vault"
)

// Step names a unit of adapter work. Step failures are reported per step.
type Step string

const (
	StepLogin        Step = "login"
	StepSecondFactor Step = "second_factor"
	StepNavigate     Step = "navigate"
	StepFillForm     Step = "fill_form"
	StepUploadMedia  Step = "upload_media"
	StepSubmit       Step = "submit"
)

// LoginOutcome is the normal result of a login attempt. A wrong password is
// an outcome (Rejected), not an error.
type LoginOutcome int

const (
	LoginSuccess LoginOutcome = iota
	LoginNeedsSecondFactor
	LoginNeedsCaptcha
	LoginRejected
)

func (o LoginOutcome) String() string {
	switch o {
	case LoginSuccess:
		return "success"
	case LoginNeedsSecondFactor:
		return "needs_second_factor"
	case LoginNeedsCaptcha:
		return "needs_captcha"
	case LoginRejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

var (
	ErrLoginRejected        = errors.New("login rejected: invalid credentials")
	ErrSecondFactorRejected = errors.New("second factor rejected: unauthorized")
	ErrCaptchaRequired      = errors.New("captcha challenge requires manual resolution")
	ErrLoggedOut            = errors.New("session expired: portal logged out")
	ErrNoConfirmation       = errors.New("confirmation id missing from portal response")
	ErrUnknownMarketplace   = errors.New("unknown marketplace")
)

// Listing is the form content of one product card.
type Listing struct {
	Title       string
	Description string
	Price       string
	Specs       map[string]string
}

// Adapter drives one marketplace's seller portal. Every error it returns is
// a *StepFailure.
type Adapter interface {
	ID() string
	// SessionTTL is how long an authenticated session stays valid.
	SessionTTL() time.Duration
	// SupportsTOTP reports whether the second factor is a TOTP code the
	// caller can derive from the credential seed.
	SupportsTOTP() bool

	Login(ctx context.Context, page browser.Page, creds *vault.Credentials) (LoginOutcome, error)
	SubmitSecondFactor(ctx context.Context, page browser.Page, code string) error
	// LoggedIn reports whether the page still holds an authenticated session.
	LoggedIn(ctx context.Context, page browser.Page) (bool, error)

	OpenProductForm(ctx context.Context, page browser.Page) error
	FillForm(ctx context.Context, page browser.Page, listing Listing) error
	UploadMedia(ctx context.Context, page browser.Page, files []string) error
	// Submit publishes the card and returns the marketplace's product ID.
	Submit(ctx context.Context, page browser.Page) (string, error)
}

// StepFailure is the single error kind raised by adapters and by the
// session layer on their behalf.
type StepFailure struct {
	Step     Step
	Selector string
	Cause    error
}

func (f *StepFailure) Error() string {
	if errors.Is(f.Cause, context.DeadlineExceeded) {
		target := f.Selector
		if target == "" {
			target = "page"
		}
		return fmt.Sprintf("%s: timeout waiting for %s", f.Step, target)
	}
	return fmt.Sprintf("%s: %v", f.Step, f.Cause)
}

func (f *StepFailure) Unwrap() error {
	return f.Cause
}

// AsStepFailure returns err as a *StepFailure, wrapping foreign errors
// under step.
func AsStepFailure(step Step, err error) *StepFailure {
	var sf *StepFailure
	if errors.As(err, &sf) {
		return sf
	}
	return &StepFailure{Step: step, Cause: err}
}
