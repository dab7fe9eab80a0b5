package worm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVaultTransitSignerSignAndVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			t.Fatalf("missing vault token header")
		}
		switch r.URL.Path {
		case "/v1/transit/sign/seed-evidence":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{
					"signature":   "vault:v2:c2lnbmF0dXJl",
					"key_version": 2,
				},
			})
		case "/v1/transit/verify/seed-evidence":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"valid": true},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	signer := VaultTransitSigner{
		Client:  srv.Client(),
		Addr:    srv.URL,
		Token:   "test-token",
		KeyName: "seed-evidence",
	}
	sig, err := signer.Sign(context.Background(), []byte("digest"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig.KeyVersion != 2 || sig.Kid != "seed-evidence" {
		t.Fatalf("signature = %+v", sig)
	}
	if err := signer.Verify(context.Background(), []byte("digest"), sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVaultTransitSignerRejectsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"valid": false},
		})
	}))
	defer srv.Close()

	signer := VaultTransitSigner{Client: srv.Client(), Addr: srv.URL, Token: "t", KeyName: "k"}
	if err := signer.Verify(context.Background(), []byte("digest"), Signature{Sig: "bad"}); err == nil {
		t.Fatal("verify must fail when vault reports invalid")
	}
}

func TestVaultTransitSignerRequiresConfig(t *testing.T) {
	signer := VaultTransitSigner{}
	if _, err := signer.Sign(context.Background(), []byte("digest")); err == nil {
		t.Fatal("missing addr must fail")
	}
	signer.Addr = "http://127.0.0.1:8200"
	if _, err := signer.Sign(context.Background(), []byte("digest")); err == nil {
		t.Fatal("missing token must fail")
	}
	signer.Token = "t"
	if _, err := signer.Sign(context.Background(), []byte("digest")); err == nil {
		t.Fatal("missing key name must fail")
	}
}
