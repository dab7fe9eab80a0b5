package worm

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"seedcore/pkg/httpx"
)

// Signature is the detached proof over a report digest.
type Signature struct {
	Alg        string `json:"alg"`
	Kid        string `json:"kid"`
	KeyVersion int    `json:"key_version"`
	Sig        string `json:"sig"`
}

// Signer produces and verifies signatures over report digests. Selected at
// construction time: LocalSigner for tests and single-node deployments,
// VaultTransitSigner in production.
type Signer interface {
	Sign(ctx context.Context, digest []byte) (Signature, error)
	Verify(ctx context.Context, digest []byte, sig Signature) error
}

// LocalSigner signs with an in-process Ed25519 key.
type LocalSigner struct {
	Kid  string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewLocalSigner(kid string, priv ed25519.PrivateKey) *LocalSigner {
	return &LocalSigner{
		Kid:  kid,
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}
}

func (s *LocalSigner) Sign(ctx context.Context, digest []byte) (Signature, error) {
	return Signature{
		Alg:        "ed25519",
		Kid:        s.Kid,
		KeyVersion: 1,
		Sig:        base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, digest)),
	}, nil
}

func (s *LocalSigner) Verify(ctx context.Context, digest []byte, sig Signature) error {
	if sig.Alg != "ed25519" {
		return errors.New("unsupported signature alg")
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(s.pub, digest, raw) {
		return errors.New("invalid signature")
	}
	return nil
}

// VaultTransitSigner signs via Vault's transit engine.
type VaultTransitSigner struct {
	Client     *http.Client
	Addr       string
	Token      string
	Namespace  string
	Transit    string
	KeyName    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (s VaultTransitSigner) Sign(ctx context.Context, digest []byte) (Signature, error) {
	body, err := s.post(ctx, "sign", map[string]any{
		"input": base64.StdEncoding.EncodeToString(digest),
	})
	if err != nil {
		return Signature{}, err
	}
	var payload struct {
		Data struct {
			Signature  string `json:"signature"`
			KeyVersion int    `json:"key_version"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Signature{}, fmt.Errorf("invalid vault sign response: %w", err)
	}
	if payload.Data.Signature == "" {
		return Signature{}, errors.New("vault sign response missing signature")
	}
	return Signature{
		Alg:        "ed25519",
		Kid:        s.KeyName,
		KeyVersion: payload.Data.KeyVersion,
		Sig:        payload.Data.Signature,
	}, nil
}

func (s VaultTransitSigner) Verify(ctx context.Context, digest []byte, sig Signature) error {
	body, err := s.post(ctx, "verify", map[string]any{
		"input":     base64.StdEncoding.EncodeToString(digest),
		"signature": sig.Sig,
	})
	if err != nil {
		return err
	}
	var payload struct {
		Data struct {
			Valid bool `json:"valid"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("invalid vault verify response: %w", err)
	}
	if !payload.Data.Valid {
		return errors.New("invalid signature")
	}
	return nil
}

func (s VaultTransitSigner) post(ctx context.Context, op string, req map[string]any) ([]byte, error) {
	addr := strings.TrimRight(strings.TrimSpace(s.Addr), "/")
	if addr == "" {
		return nil, errors.New("vault addr required")
	}
	if strings.TrimSpace(s.Token) == "" {
		return nil, errors.New("vault token required")
	}
	if strings.TrimSpace(s.KeyName) == "" {
		return nil, errors.New("vault key name required")
	}
	transit := s.Transit
	if transit == "" {
		transit = "transit"
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	endpoint := addr + "/v1/" + strings.Trim(transit, "/") + "/" + op + "/" + url.PathEscape(s.KeyName)
	headers := map[string]string{"X-Vault-Token": s.Token}
	if strings.TrimSpace(s.Namespace) != "" {
		headers["X-Vault-Namespace"] = s.Namespace
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, body, err := httpx.RequestJSON(reqCtx, s.Client, http.MethodPost, endpoint, raw, headers, s.MaxRetries, s.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("vault transit %s: %w", op, err)
	}
	if status >= 300 {
		return nil, fmt.Errorf("vault transit %s failed status=%d", op, status)
	}
	return body, nil
}
