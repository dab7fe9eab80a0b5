package models

import (
	"encoding/json"
	"testing"
)

func TestCanonicalizeJSONSortsKeys(t *testing.T) {
	a := json.RawMessage(`{"b":2,"a":{"y":true,"x":"s"},"c":[1,2.5,"z"]}`)
	b := json.RawMessage(`{"c":[1,2.5,"z"],"a":{"x":"s","y":true},"b":2}`)
	ca, err := CanonicalizeJSON(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := CanonicalizeJSON(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("canonical forms differ:\n%s\n%s", ca, cb)
	}
	if string(ca) != `{"a":{"x":"s","y":true},"b":2,"c":[1,2.5,"z"]}` {
		t.Fatalf("unexpected canonical form: %s", ca)
	}
}

func TestCanonicalizeJSONNormalizesNumberTokens(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"a":150.0}`, `{"a":150}`},
		{`{"a":1.50e2}`, `{"a":150}`},
		{`{"a":0.2}`, `{"a":0.2}`},
		{`{"a":1e21}`, `{"a":1e+21}`},
		{`{"a":1e-7}`, `{"a":1e-7}`},
		{`{"a":150}`, `{"a":150}`},
	}
	for _, tc := range cases {
		got, err := CanonicalizeJSON(json.RawMessage(tc.raw))
		if err != nil {
			t.Fatalf("canonicalize %s: %v", tc.raw, err)
		}
		if string(got) != tc.want {
			t.Fatalf("canonical %s = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestManifestHashSurvivesFloatRoundTrip(t *testing.T) {
	raw := json.RawMessage(`{"budget":{"cost_cap_brl":150.0,"error_budget_pct":5},"mode":"baseline"}`)
	base, err := ManifestHash(raw)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	// A standard decode re-serializes 150.0 through float64 as 150; the
	// hash must not change.
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	rt, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	got, err := ManifestHash(rt)
	if err != nil {
		t.Fatalf("hash round-tripped: %v", err)
	}
	if got != base {
		t.Fatalf("hash changed across float round-trip: %s != %s", got, base)
	}
}

func TestManifestHashExcludesEmbeddedHash(t *testing.T) {
	without := json.RawMessage(`{"metadata":{"tenant":"t1"},"mode":"baseline"}`)
	base, err := ManifestHash(without)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	with := json.RawMessage(`{"mode":"baseline","integrity":{"manifest_hash":"` + base + `"},"metadata":{"tenant":"t1"}}`)
	got, err := ManifestHash(with)
	if err != nil {
		t.Fatalf("hash with embedded: %v", err)
	}
	if got != base {
		t.Fatalf("embedded hash leaked into computation: %s != %s", got, base)
	}
}

func TestManifestHashKeepsOtherIntegrityFields(t *testing.T) {
	a := json.RawMessage(`{"integrity":{"worm_proof":"tok","manifest_hash":"x"},"mode":"dr"}`)
	b := json.RawMessage(`{"integrity":{"worm_proof":"other"},"mode":"dr"}`)
	ha, err := ManifestHash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := ManifestHash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha == hb {
		t.Fatal("worm_proof should participate in the hash")
	}
}

func TestManifestHashDeterministic(t *testing.T) {
	raw := json.RawMessage(`{"volumetry":{"customers":{"cap":100}},"rate_limit":{"limit":5,"window_seconds":60}}`)
	h1, err := ManifestHash(raw)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := ManifestHash(raw)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 || len(h1) != 64 {
		t.Fatalf("expected stable 64-char hash, got %q and %q", h1, h2)
	}
}
