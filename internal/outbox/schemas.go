package outbox

import "example.com/trainingload/internal/events"

const planGeneratedSchema = `{
  "type": "object",
  "title": "PlanGenerated",
  "properties": {
    "tenant_id": {"type": "string"},
    "runner_id": {"type": "string"},
    "start_date": {"type": "string", "format": "date"},
    "fingerprint": {"type": "string"},
    "active_phase": {"type": "string"},
    "target_volume_m": {"type": "number"},
    "days": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "date": {"type": "string", "format": "date"},
          "run_type": {"type": "string", "enum": ["long", "moderate", "easy", "rest"]},
          "distance_m": {"type": "number", "minimum": 0}
        },
        "required": ["date", "run_type", "distance_m"]
      }
    },
    "generated_at": {"type": "string", "format": "date-time"}
  },
  "required": ["tenant_id", "runner_id", "start_date", "fingerprint", "active_phase", "days", "generated_at"],
  "additionalProperties": false
}`

const overrideChangedSchema = `{
  "type": "object",
  "title": "OverrideChanged",
  "properties": {
    "tenant_id": {"type": "string"},
    "runner_id": {"type": "string"},
    "from": {"type": "string"},
    "to": {"type": "string"},
    "start_date": {"type": "string", "format": "date"},
    "volume_multiplier": {"type": "number"},
    "long_run_multiplier": {"type": "number"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["tenant_id", "runner_id", "from", "to", "occurred_at"],
  "additionalProperties": false
}`

// SchemaCatalogEntry maps an event type to its JSON schema.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	events.TypePlanGenerated:   {Schema: planGeneratedSchema},
	events.TypeOverrideChanged: {Schema: overrideChangedSchema},
}
