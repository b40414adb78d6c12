package marketplace

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed profiles/*.yaml
var builtinProfiles embed.FS

// Profile is the declarative description of one seller portal: URLs and
// CSS selectors for every step.
type Profile struct {
	ID         string        `yaml:"id"`
	Name       string        `yaml:"name"`
	SessionTTL time.Duration `yaml:"session_ttl"`
	TOTP       bool          `yaml:"totp"`

	Login       LoginProfile `yaml:"login"`
	ProductForm FormProfile  `yaml:"product_form"`
}

type LoginProfile struct {
	URL                string `yaml:"url"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	Submit             string `yaml:"submit"`
	Success            string `yaml:"success"`
	Error              string `yaml:"error"`
	Captcha            string `yaml:"captcha"`
	SecondFactor       string `yaml:"second_factor"`
	SecondFactorSubmit string `yaml:"second_factor_submit"`
}

type FormProfile struct {
	URL   string `yaml:"url"`
	Ready string `yaml:"ready"`

	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Price       string `yaml:"price"`
	// SpecField is a selector template; {key} is replaced by the spec name.
	SpecField string `yaml:"spec_field"`

	MediaInput string `yaml:"media_input"`
	Submit     string `yaml:"submit"`

	Confirmation        string `yaml:"confirmation"`
	ConfirmationAttr    string `yaml:"confirmation_attr"`
	ConfirmationPattern string `yaml:"confirmation_pattern"`
}

// Validate checks that every selector required to drive the portal is set
// and that the confirmation pattern compiles.
func (p *Profile) Validate() error {
	var missing []string
	req := map[string]string{
		"id":                        p.ID,
		"login.url":                 p.Login.URL,
		"login.username":            p.Login.Username,
		"login.password":            p.Login.Password,
		"login.submit":              p.Login.Submit,
		"login.success":             p.Login.Success,
		"product_form.url":          p.ProductForm.URL,
		"product_form.ready":        p.ProductForm.Ready,
		"product_form.title":        p.ProductForm.Title,
		"product_form.submit":       p.ProductForm.Submit,
		"product_form.confirmation": p.ProductForm.Confirmation,
	}
	for k, v := range req {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("profile %q: missing %s", p.ID, strings.Join(missing, ", "))
	}
	if p.TOTP && p.Login.SecondFactor == "" {
		return fmt.Errorf("profile %q: totp requires login.second_factor", p.ID)
	}
	if p.ProductForm.ConfirmationPattern != "" {
		if _, err := regexp.Compile(p.ProductForm.ConfirmationPattern); err != nil {
			return fmt.Errorf("profile %q: confirmation_pattern: %w", p.ID, err)
		}
	}
	return nil
}

// ParseProfile decodes and validates one YAML profile.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// BuiltinProfiles returns the profiles shipped with the binary.
func BuiltinProfiles() ([]*Profile, error) {
	entries, err := builtinProfiles.ReadDir("profiles")
	if err != nil {
		return nil, fmt.Errorf("reading builtin profiles: %w", err)
	}
	var out []*Profile
	for _, e := range entries {
		data, err := builtinProfiles.ReadFile("profiles/" + e.Name())
		if err != nil {
			return nil, err
		}
		p, err := ParseProfile(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, p)
	}
	return out, nil
}

// LoadProfileDir reads every *.yaml / *.yml file in dir. A missing dir is
// not an error.
func LoadProfileDir(dir string) ([]*Profile, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading adapters dir: %w", err)
	}
	var out []*Profile
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		p, err := ParseProfile(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, p)
	}
	return out, nil
}
