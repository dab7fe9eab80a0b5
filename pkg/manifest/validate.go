package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"seedcore/pkg/models"
)

// Violation codes.
const (
	CodeSchema       = "schema"
	CodeHashMismatch = "hash_mismatch"
	CodeEnvMismatch  = "environment_mismatch"
	CodeInvalidJSON  = "invalid_json"
)

type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Result is the structured outcome of validating one manifest document.
type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
	Hash       string      `json:"hash,omitempty"`
	Version    string      `json:"version,omitempty"`
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("decode manifest schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("seed_manifest.json", doc); err != nil {
			schemaErr = fmt.Errorf("register manifest schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("seed_manifest.json")
	})
	return schema, schemaErr
}

// Validate checks a document structurally against the manifest schema and
// cross-checks the embedded hash and declared environment. A hash mismatch
// is a violation, not an error; only schema-compilation defects surface as
// errors. expectedEnvironment may be empty to skip the environment check.
func Validate(raw json.RawMessage, expectedEnvironment string) (Result, error) {
	sch, err := compiledSchema()
	if err != nil {
		return Result{}, err
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Result{
			Valid:      false,
			Violations: []Violation{{Field: "", Message: "document is not valid JSON", Code: CodeInvalidJSON}},
		}, nil
	}

	var violations []Violation
	if err := sch.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			violations = append(violations, flattenViolations(verr)...)
		} else {
			violations = append(violations, Violation{Field: "", Message: err.Error(), Code: CodeSchema})
		}
	}

	hash, hashErr := models.ManifestHash(raw)
	if hashErr != nil {
		violations = append(violations, Violation{Field: "integrity.manifest_hash", Message: hashErr.Error(), Code: CodeInvalidJSON})
	}

	declaredEnv, declaredVersion, declaredHash := declaredFields(instance)
	if declaredHash != "" && hash != "" && declaredHash != hash {
		violations = append(violations, Violation{
			Field:   "integrity.manifest_hash",
			Message: fmt.Sprintf("declared hash %s does not match computed hash %s", declaredHash, hash),
			Code:    CodeHashMismatch,
		})
	}
	if expectedEnvironment != "" && declaredEnv != expectedEnvironment {
		violations = append(violations, Violation{
			Field:   "metadata.environment",
			Message: fmt.Sprintf("manifest declares environment %q, request targets %q", declaredEnv, expectedEnvironment),
			Code:    CodeEnvMismatch,
		})
	}

	sort.SliceStable(violations, func(i, j int) bool { return violations[i].Field < violations[j].Field })
	return Result{
		Valid:      len(violations) == 0,
		Violations: violations,
		Hash:       hash,
		Version:    NormalizeVersion(declaredVersion),
	}, nil
}

func flattenViolations(verr *jsonschema.ValidationError) []Violation {
	if len(verr.Causes) == 0 {
		return []Violation{{
			Field:   "/" + strings.Join(verr.InstanceLocation, "/"),
			Message: verr.Error(),
			Code:    CodeSchema,
		}}
	}
	var out []Violation
	for _, cause := range verr.Causes {
		out = append(out, flattenViolations(cause)...)
	}
	return out
}

func declaredFields(instance interface{}) (environment, version, hash string) {
	doc, ok := instance.(map[string]interface{})
	if !ok {
		return "", "", ""
	}
	if meta, ok := doc["metadata"].(map[string]interface{}); ok {
		environment, _ = meta["environment"].(string)
		version, _ = meta["version"].(string)
	}
	if integrity, ok := doc["integrity"].(map[string]interface{}); ok {
		hash, _ = integrity["manifest_hash"].(string)
	}
	return environment, version, hash
}
