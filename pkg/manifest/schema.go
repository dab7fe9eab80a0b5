package manifest

// Draft 2020-12 schema for seed manifests. Kept inline so the validator has
// no runtime file dependency; the document itself is treated as an opaque
// validator input everywhere else.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://seedcore.iabank.dev/schemas/seed_manifest.json",
  "type": "object",
  "required": ["metadata", "mode", "reference_datetime", "volumetry"],
  "properties": {
    "metadata": {
      "type": "object",
      "required": ["tenant", "environment", "profile", "version"],
      "properties": {
        "tenant": {"type": "string", "minLength": 1},
        "environment": {"type": "string", "minLength": 1},
        "profile": {"type": "string", "minLength": 1},
        "version": {"type": "string", "minLength": 1},
        "schema_version": {"type": "string"},
        "salt_version": {"type": "string"}
      }
    },
    "mode": {"enum": ["baseline", "carga", "dr", "canary"]},
    "reference_datetime": {"type": "string", "format": "date-time"},
    "window": {
      "type": "object",
      "required": ["start_utc", "end_utc"],
      "properties": {
        "start_utc": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
        "end_utc": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"}
      }
    },
    "allow_offpeak_override": {"type": "boolean"},
    "volumetry": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["cap"],
        "properties": {"cap": {"type": "integer", "minimum": 0}}
      }
    },
    "rate_limit": {
      "type": "object",
      "properties": {
        "limit": {"type": "integer"},
        "window_seconds": {"type": "integer"}
      }
    },
    "backoff": {
      "type": "object",
      "properties": {
        "base_seconds": {"type": "integer", "minimum": 0},
        "jitter_factor": {"type": "number", "minimum": 0, "maximum": 1},
        "max_retries": {"type": "integer", "minimum": 0},
        "max_interval_seconds": {"type": "integer", "minimum": 1}
      }
    },
    "budget": {
      "type": "object",
      "properties": {
        "cost_cap_brl": {"type": ["number", "string"], "minimum": 0, "pattern": "^[0-9]+(\\.[0-9]+)?$"},
        "error_budget_pct": {"type": "number", "minimum": 0, "maximum": 100},
        "cost_model_version": {"type": "string"}
      }
    },
    "ttl": {
      "type": "object",
      "additionalProperties": {"type": "integer", "minimum": 1}
    },
    "slo": {
      "type": "object",
      "properties": {
        "p95_target_ms": {"type": "integer", "minimum": 1},
        "p99_target_ms": {"type": "integer", "minimum": 1},
        "throughput_target_rps": {"type": "number", "minimum": 0}
      }
    },
    "integrity": {
      "type": "object",
      "properties": {
        "manifest_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
        "worm_proof": {"type": "string"}
      }
    },
    "canary": {"type": "object"}
  }
}`
