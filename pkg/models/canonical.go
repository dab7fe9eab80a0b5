package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// CanonicalizeJSON returns a canonical form for a JSON document: object keys
// sorted, no insignificant whitespace, numbers emitted as decoded. Stable
// under key reordering of the input.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		if err := appendCanonicalNumber(buf, t); err != nil {
			return err
		}
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}

// appendCanonicalNumber writes a numeric token in a form stable across JSON
// round-trips. Integer tokens pass through unchanged; fractional and
// exponent tokens are normalized through float64 using the exact formatting
// rules of encoding/json, so `150.0` and the `150` a re-serialized document
// carries hash identically. Integers wider than float64 precision stay
// exact as long as the pipeline decodes with UseNumber.
func appendCanonicalNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		buf.WriteString(s)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("invalid number token %q: %w", s, err)
	}
	format := byte('f')
	if abs := math.Abs(f); abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		format = 'e'
	}
	b := strconv.AppendFloat(nil, f, format, -1, 64)
	if format == 'e' {
		// encoding/json trims a zero-padded exponent: e-09 becomes e-9.
		if k := len(b); k >= 4 && b[k-4] == 'e' && b[k-3] == '-' && b[k-2] == '0' {
			b[k-2] = b[k-1]
			b = b[:k-1]
		}
	}
	buf.Write(b)
	return nil
}

// ManifestHash computes the canonical content hash of a manifest document.
// The integrity.manifest_hash field is removed before serialization so a
// manifest can embed its own hash, and the result is hex-encoded sha256.
func ManifestHash(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	if doc, ok := v.(map[string]interface{}); ok {
		if integrity, ok := doc["integrity"].(map[string]interface{}); ok {
			delete(integrity, "manifest_hash")
			if len(integrity) == 0 {
				delete(doc, "integrity")
			}
		}
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return "", err
	}
	return ContentDigest(buf.Bytes()), nil
}

// ContentDigest is the hex sha256 of a byte payload.
func ContentDigest(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}
