package events

const importJobFinishedSchema = `{
  "type": "object",
  "title": "ImportJobFinished",
  "properties": {
    "job_id": {"type": "string"},
    "tenant_id": {"type": "string"},
    "kind": {"enum": ["presence_to_timesheet", "prefill", "break_conversion"]},
    "trigger": {"enum": ["scheduled", "manual", "triggered"]},
    "status": {"enum": ["completed", "failed", "cancelled"]},
    "date_from": {"type": "string", "format": "date"},
    "date_to": {"type": "string", "format": "date"},
    "total_records": {"type": "integer", "minimum": 0},
    "imported_records": {"type": "integer", "minimum": 0},
    "skipped_records": {"type": "integer", "minimum": 0},
    "error_records": {"type": "integer", "minimum": 0},
    "finished_at": {"type": "string", "format": "date-time"}
  },
  "required": ["job_id", "tenant_id", "kind", "status", "date_from", "date_to", "finished_at"],
  "additionalProperties": false
}`

const coherenceCheckFinishedSchema = `{
  "type": "object",
  "title": "CoherenceCheckFinished",
  "properties": {
    "check_id": {"type": "string"},
    "tenant_id": {"type": "string"},
    "kind": {"enum": ["daily", "weekly", "monthly", "on_demand"]},
    "status": {"enum": ["completed", "failed"]},
    "date_from": {"type": "string", "format": "date"},
    "date_to": {"type": "string", "format": "date"},
    "found": {"type": "integer", "minimum": 0},
    "auto_fixed": {"type": "integer", "minimum": 0},
    "manual_review": {"type": "integer", "minimum": 0},
    "finished_at": {"type": "string", "format": "date-time"}
  },
  "required": ["check_id", "tenant_id", "kind", "status", "date_from", "date_to", "finished_at"],
  "additionalProperties": false
}`

const syncRunFinishedSchema = `{
  "type": "object",
  "title": "SyncRunFinished",
  "properties": {
    "run_id": {"type": "string"},
    "tenant_id": {"type": "string"},
    "direction": {"enum": ["presence_to_timesheet", "timesheet_to_presence", "bidirectional"]},
    "status": {"enum": ["success", "partial", "failed"]},
    "processed": {"type": "integer", "minimum": 0},
    "created": {"type": "integer", "minimum": 0},
    "updated": {"type": "integer", "minimum": 0},
    "errored": {"type": "integer", "minimum": 0},
    "conflicts_found": {"type": "integer", "minimum": 0},
    "finished_at": {"type": "string", "format": "date-time"}
  },
  "required": ["run_id", "tenant_id", "direction", "status", "finished_at"],
  "additionalProperties": false
}`

const presenceRecordedSchema = `{
  "type": "object",
  "title": "PresenceRecorded",
  "properties": {
    "tenant_id": {"type": "string", "minLength": 1},
    "employee_id": {"type": "string", "minLength": 1},
    "record_id": {"type": "string"},
    "date": {"type": "string", "format": "date"},
    "status": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["tenant_id", "employee_id", "date"],
  "additionalProperties": false
}`
