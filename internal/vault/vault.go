// Package vault resolves partner marketplace credentials from age-encrypted
// bundles held in the store.
package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"filippo.io/age"

	"github.com/kalambet/cardpilot/internal/storage"
)

// ErrCredentialsUnavailable is returned when no usable credential bundle
// exists for a (partner, marketplace) pair. It is never retried.
var ErrCredentialsUnavailable = errors.New("credentials unavailable")

// Credentials are the login secrets for one marketplace seller account.
// Call Wipe once the session no longer needs them.
type Credentials struct {
	Username string `json:"username"`
	Password []byte `json:"password"`
	TOTPSeed []byte `json:"totp_seed,omitempty"`
}

// String keeps secrets out of logs and error messages.
func (c *Credentials) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("credentials{user=%s}", c.Username)
}

// LogValue implements slog.LogValuer.
func (c *Credentials) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

// HasTOTPSeed reports whether a second-factor seed is available.
func (c *Credentials) HasTOTPSeed() bool {
	return c != nil && len(c.TOTPSeed) > 0
}

// Wipe zeroes the secret fields.
func (c *Credentials) Wipe() {
	if c == nil {
		return
	}
	clear(c.Password)
	clear(c.TOTPSeed)
	c.Password = nil
	c.TOTPSeed = nil
}

// Store is the subset of storage.Store used by the vault.
type Store interface {
	GetCredential(partnerID, marketplaceID string) (storage.SealedCredential, error)
	PutCredential(c storage.SealedCredential) error
}

// Vault seals and opens credential bundles with a single age X25519 identity.
type Vault struct {
	store    Store
	identity *age.X25519Identity
	logger   *slog.Logger
}

// New parses identity (AGE-SECRET-KEY-1...) and returns a Vault over store.
func New(store Store, identity string, logger *slog.Logger) (*Vault, error) {
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("parsing vault identity: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{store: store, identity: id, logger: logger}, nil
}

// GenerateIdentity creates a fresh age identity and returns it with its
// public recipient string.
func GenerateIdentity() (identity, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age identity: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}

// Resolve returns the credentials for partnerID on marketplaceID. A missing
// bundle, or one that cannot be opened, yields ErrCredentialsUnavailable.
func (v *Vault) Resolve(ctx context.Context, partnerID, marketplaceID string) (*Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sealed, err := v.store.GetCredential(partnerID, marketplaceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: no bundle for partner %s on %s", ErrCredentialsUnavailable, partnerID, marketplaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential bundle: %w", err)
	}

	plaintext, err := v.open(sealed.Ciphertext)
	if err != nil {
		v.logger.Warn("credential bundle unreadable", "partner_id", partnerID, "marketplace_id", marketplaceID, "error", err)
		return nil, fmt.Errorf("%w: bundle for partner %s on %s cannot be opened", ErrCredentialsUnavailable, partnerID, marketplaceID)
	}
	defer clear(plaintext)

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil || creds.Username == "" {
		return nil, fmt.Errorf("%w: malformed bundle for partner %s on %s", ErrCredentialsUnavailable, partnerID, marketplaceID)
	}
	return &creds, nil
}

// Seal encrypts creds and stores them for partnerID on marketplaceID,
// replacing any previous bundle.
func (v *Vault) Seal(partnerID, marketplaceID string, creds *Credentials) error {
	if creds == nil || creds.Username == "" || len(creds.Password) == 0 {
		return errors.New("username and password are required")
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding bundle: %w", err)
	}
	defer clear(plaintext)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, v.identity.Recipient())
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}

	return v.store.PutCredential(storage.SealedCredential{
		PartnerID:     partnerID,
		MarketplaceID: marketplaceID,
		Ciphertext:    base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

func (v *Vault) open(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), v.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}
