package marketplace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/cardpilot/internal/browser"
	"github.com/kalambet/cardpilot/internal/vault"
)

func init() {
	pollInterval = 5 * time.Millisecond
	probeTimeout = 100 * time.Millisecond
}

func testProfile() *Profile {
	return &Profile{
		ID:         "testmarket",
		SessionTTL: time.Hour,
		TOTP:       true,
		Login: LoginProfile{
			URL:          "https://portal.test/login",
			Username:     "#user",
			Password:     "#pass",
			Submit:       "#login",
			Success:      "#dashboard",
			Error:        "#login-error",
			Captcha:      "#captcha",
			SecondFactor: "#otp",
		},
		ProductForm: FormProfile{
			URL:                 "https://portal.test/products/new",
			Ready:               "#product-form",
			Title:               "#title",
			Description:         "#description",
			Price:               "#price",
			SpecField:           "#spec-{key}",
			MediaInput:          "#media",
			Submit:              "#publish",
			Confirmation:        "#created",
			ConfirmationAttr:    "data-product-id",
			ConfirmationPattern: `Product ID[:\s]+(\d+)`,
		},
	}
}

func loginPage() *browser.FakePage {
	page := browser.NewFakePage()
	page.Elements["#user"] = ""
	page.Elements["#pass"] = ""
	page.Elements["#login"] = ""
	return page
}

func testCreds() *vault.Credentials {
	return &vault.Credentials{Username: "seller", Password: []byte("pw")}
}

func TestBuiltinProfilesValid(t *testing.T) {
	profiles, err := BuiltinProfiles()
	if err != nil {
		t.Fatalf("BuiltinProfiles: %v", err)
	}
	want := map[string]bool{"wildberries": true, "ozon": true, "yandex_market": true, "megamarket": true}
	if len(profiles) != len(want) {
		t.Fatalf("got %d profiles, want %d", len(profiles), len(want))
	}
	for _, p := range profiles {
		if !want[p.ID] {
			t.Errorf("unexpected profile %q", p.ID)
		}
		if p.SessionTTL <= 0 {
			t.Errorf("%s: session_ttl not parsed", p.ID)
		}
	}
}

func TestParseProfileMissingFields(t *testing.T) {
	_, err := ParseProfile([]byte("id: broken\nlogin:\n  url: https://x\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "login.username") {
		t.Errorf("error = %v, want it to name login.username", err)
	}
}

func TestLoadRegistryOverridesOnlyThatAdapter(t *testing.T) {
	dir := t.TempDir()
	data, err := builtinProfiles.ReadFile("profiles/ozon.yaml")
	if err != nil {
		t.Fatal(err)
	}
	patched := strings.Replace(string(data), "button[data-testid='product-create-submit']", "button.publish-v2", 1)
	if err := os.WriteFile(filepath.Join(dir, "ozon.yaml"), []byte(patched), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := LoadRegistry(dir, nil)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if got := len(r.IDs()); got != 4 {
		t.Errorf("IDs = %v, want 4 entries", r.IDs())
	}

	ozon, err := r.Get("ozon")
	if err != nil {
		t.Fatalf("Get(ozon): %v", err)
	}
	if sel := ozon.(*ProfileAdapter).Profile().ProductForm.Submit; sel != "button.publish-v2" {
		t.Errorf("ozon submit = %q, want patched selector", sel)
	}
	wb, _ := r.Get("wildberries")
	if sel := wb.(*ProfileAdapter).Profile().ProductForm.Submit; sel != "button[data-testid='save-card-button']" {
		t.Errorf("wildberries submit changed: %q", sel)
	}

	if _, err := r.Get("amazon"); !errors.Is(err, ErrUnknownMarketplace) {
		t.Errorf("Get(amazon) err = %v, want ErrUnknownMarketplace", err)
	}
}

func TestLoginOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		appear string
		want   LoginOutcome
	}{
		{"success", "#dashboard", LoginSuccess},
		{"second factor", "#otp", LoginNeedsSecondFactor},
		{"captcha", "#captcha", LoginNeedsCaptcha},
		{"rejected", "#login-error", LoginRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewProfileAdapter(testProfile())
			page := loginPage()
			page.OnClick["#login"] = func(p *browser.FakePage) { p.Show(tt.appear, "") }

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			got, err := a.Login(ctx, page, testCreds())
			if err != nil {
				t.Fatalf("Login: %v", err)
			}
			if got != tt.want {
				t.Errorf("outcome = %v, want %v", got, tt.want)
			}
			if page.Value("#user") != "seller" || page.Value("#pass") != "pw" {
				t.Errorf("credentials not typed: %v", page.Values)
			}
		})
	}
}

func TestLoginTimeoutIsStepFailure(t *testing.T) {
	a := NewProfileAdapter(testProfile())
	page := loginPage()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Login(ctx, page, testCreds())

	var sf *StepFailure
	if !errors.As(err, &sf) {
		t.Fatalf("err = %v, want *StepFailure", err)
	}
	if sf.Step != StepLogin {
		t.Errorf("Step = %q, want login", sf.Step)
	}
	if !strings.Contains(sf.Error(), "timeout") {
		t.Errorf("Error() = %q, want timeout", sf.Error())
	}
}

func TestSubmitSecondFactor(t *testing.T) {
	a := NewProfileAdapter(testProfile())
	page := browser.NewFakePage()
	page.Elements["#otp"] = ""
	page.Elements["#login"] = ""
	page.OnClick["#login"] = func(p *browser.FakePage) {
		if p.Values["#otp"] == "123456" {
			p.Show("#dashboard", "")
		} else {
			p.Show("#login-error", "wrong code")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.SubmitSecondFactor(ctx, page, "123456"); err != nil {
		t.Fatalf("SubmitSecondFactor: %v", err)
	}

	bad := browser.NewFakePage()
	bad.Elements["#otp"] = ""
	bad.Elements["#login"] = ""
	bad.OnClick["#login"] = page.OnClick["#login"]
	err := a.SubmitSecondFactor(ctx, bad, "000000")
	if !errors.Is(err, ErrSecondFactorRejected) {
		t.Errorf("err = %v, want ErrSecondFactorRejected", err)
	}
}

func TestOpenProductFormDetectsLogout(t *testing.T) {
	a := NewProfileAdapter(testProfile())
	page := browser.NewFakePage()
	page.OnNavigate = func(p *browser.FakePage, url string) { p.Show("#user", "") }

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := a.OpenProductForm(ctx, page)
	if !errors.Is(err, ErrLoggedOut) {
		t.Errorf("err = %v, want ErrLoggedOut", err)
	}
}

func TestFillFormMissingSelector(t *testing.T) {
	a := NewProfileAdapter(testProfile())
	page := browser.NewFakePage()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := a.FillForm(ctx, page, Listing{Title: "Kettle"})

	var sf *StepFailure
	if !errors.As(err, &sf) {
		t.Fatalf("err = %v, want *StepFailure", err)
	}
	if sf.Step != StepFillForm || sf.Selector != "#title" {
		t.Errorf("failure = %+v", sf)
	}
	if !strings.Contains(sf.Error(), "selector not found: #title") {
		t.Errorf("Error() = %q", sf.Error())
	}
}

func TestFillFormSkipsUnknownSpecs(t *testing.T) {
	a := NewProfileAdapter(testProfile())
	page := browser.NewFakePage()
	for _, sel := range []string{"#title", "#description", "#price", "#spec-color"} {
		page.Elements[sel] = ""
	}

	err := a.FillForm(context.Background(), page, Listing{
		Title: "Kettle", Description: "Steel", Price: "1990",
		Specs: map[string]string{"color": "black", "voltage": "220"},
	})
	if err != nil {
		t.Fatalf("FillForm: %v", err)
	}
	if page.Value("#spec-color") != "black" {
		t.Errorf("spec not typed: %v", page.Values)
	}
	if page.Value("#price") != "1990" {
		t.Errorf("price = %q", page.Value("#price"))
	}
}

func TestUploadMedia(t *testing.T) {
	a := NewProfileAdapter(testProfile())
	page := browser.NewFakePage()
	page.Elements["#media"] = ""

	if err := a.UploadMedia(context.Background(), page, nil); err != nil {
		t.Fatalf("UploadMedia(nil): %v", err)
	}
	files := []string{"/tmp/a.jpg", "/tmp/b.jpg"}
	if err := a.UploadMedia(context.Background(), page, files); err != nil {
		t.Fatalf("UploadMedia: %v", err)
	}
	if len(page.Files["#media"]) != 2 {
		t.Errorf("files = %v", page.Files)
	}
}

func TestSubmitReturnsProductID(t *testing.T) {
	a := NewProfileAdapter(testProfile())
	page := browser.NewFakePage()
	page.Elements["#publish"] = ""
	page.OnClick["#publish"] = func(p *browser.FakePage) {
		p.Show("#created", "Saved")
		p.Document = `<html><body><div id="created" data-product-id="778899">Saved</div></body></html>`
	}

	id, err := a.Submit(context.Background(), page)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "778899" {
		t.Errorf("id = %q, want 778899", id)
	}
}

func TestSubmitWithoutConfirmationID(t *testing.T) {
	a := NewProfileAdapter(testProfile())
	page := browser.NewFakePage()
	page.Elements["#publish"] = ""
	page.OnClick["#publish"] = func(p *browser.FakePage) {
		p.Show("#created", "Saved")
		p.Document = `<html><body><div id="created">Saved</div></body></html>`
	}

	_, err := a.Submit(context.Background(), page)
	if !errors.Is(err, ErrNoConfirmation) {
		t.Errorf("err = %v, want ErrNoConfirmation", err)
	}
}

func TestExtractConfirmationID(t *testing.T) {
	pattern := regexp.MustCompile(`Артикул WB[:\s]+(\d+)`)
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"attribute", `<div data-nm-id=" 4411 ">ok</div>`, "4411"},
		{"text", `<p>Карточка создана. <b>Артикул WB: 123456</b></p>`, "123456"},
		{"script ignored", `<script>var s = "Артикул WB: 999"</script><p>none</p>`, ""},
		{"none", `<p>nothing</p>`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractConfirmationID(tt.doc, "data-nm-id", pattern); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTOTPCode(t *testing.T) {
	// RFC 6238 SHA-1 vectors truncated to six digits.
	seed := []byte("GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ")
	tests := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
	}
	for _, tt := range tests {
		got, err := TOTPCode(seed, time.Unix(tt.unix, 0))
		if err != nil {
			t.Fatalf("TOTPCode: %v", err)
		}
		if got != tt.want {
			t.Errorf("TOTPCode(%d) = %s, want %s", tt.unix, got, tt.want)
		}
	}
}

func TestStepFailureMessages(t *testing.T) {
	sf := &StepFailure{Step: StepSubmit, Selector: "#publish", Cause: context.DeadlineExceeded}
	if got := sf.Error(); got != "submit: timeout waiting for #publish" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(sf, context.DeadlineExceeded) {
		t.Error("StepFailure should unwrap to its cause")
	}

	wrapped := AsStepFailure(StepNavigate, errors.New("net::ERR_CONNECTION_RESET"))
	if wrapped.Step != StepNavigate || wrapped.Error() != "navigate: net::ERR_CONNECTION_RESET" {
		t.Errorf("AsStepFailure = %+v", wrapped)
	}
	if AsStepFailure(StepLogin, sf) != sf {
		t.Error("AsStepFailure should return existing StepFailure")
	}
}
