package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// OptString and OptInt distinguish three states for a per-call override:
// key absent (keep the plan's stored value), explicit null (clear the
// field), and a concrete value. encoding/json only invokes UnmarshalJSON
// for keys present in the document, so absence is the zero value.
type OptString struct {
	Present bool
	Value   *string
}

func (o *OptString) UnmarshalJSON(b []byte) error {
	o.Present = true
	if bytes.Equal(b, []byte("null")) {
		o.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	o.Value = &s
	return nil
}

func (o OptString) MarshalJSON() ([]byte, error) {
	if o.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*o.Value)
}

type OptInt struct {
	Present bool
	Value   *int
}

func (o *OptInt) UnmarshalJSON(b []byte) error {
	o.Present = true
	if bytes.Equal(b, []byte("null")) {
		o.Value = nil
		return nil
	}
	var i int
	if err := json.Unmarshal(b, &i); err != nil {
		return err
	}
	o.Value = &i
	return nil
}

func (o OptInt) MarshalJSON() ([]byte, error) {
	if o.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*o.Value)
}

// RegenerateOverrides carries the per-call overrides of a regeneration job.
// StartDate is an ISO date string to keep the payload stable across clients.
type RegenerateOverrides struct {
	Topic         OptString
	Notes         OptString
	ModuleMinutes OptInt
	TaskMinutes   OptInt
	WeeksPlanned  OptInt
	StartDate     OptString
}

func (ov *RegenerateOverrides) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		var err error
		switch key {
		case "topic":
			err = ov.Topic.UnmarshalJSON(val)
		case "notes":
			err = ov.Notes.UnmarshalJSON(val)
		case "module_minutes":
			err = ov.ModuleMinutes.UnmarshalJSON(val)
		case "task_minutes":
			err = ov.TaskMinutes.UnmarshalJSON(val)
		case "weeks_planned":
			err = ov.WeeksPlanned.UnmarshalJSON(val)
		case "start_date":
			err = ov.StartDate.UnmarshalJSON(val)
		default:
			return fmt.Errorf("unknown override field %q", key)
		}
		if err != nil {
			return fmt.Errorf("override %q: %w", key, err)
		}
	}
	return nil
}

// MarshalJSON emits only the overrides that are present, so a payload
// round-trips without inventing explicit nulls.
func (ov RegenerateOverrides) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	put := func(key string, present bool, v any) {
		if present {
			out[key] = v
		}
	}
	put("topic", ov.Topic.Present, ov.Topic)
	put("notes", ov.Notes.Present, ov.Notes)
	put("module_minutes", ov.ModuleMinutes.Present, ov.ModuleMinutes)
	put("task_minutes", ov.TaskMinutes.Present, ov.TaskMinutes)
	put("weeks_planned", ov.WeeksPlanned.Present, ov.WeeksPlanned)
	put("start_date", ov.StartDate.Present, ov.StartDate)
	return json.Marshal(out)
}

// RegeneratePayload is the payload of a plan_regenerate job.
type RegeneratePayload struct {
	PlanID    uuid.UUID           `json:"plan_id"`
	Overrides RegenerateOverrides `json:"overrides"`
}

// ParseRegeneratePayload decodes strictly: unknown or extra fields reject
// the payload rather than being silently dropped.
func ParseRegeneratePayload(raw []byte) (*RegeneratePayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var p RegeneratePayload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode regenerate payload: %w", err)
	}
	if p.PlanID == uuid.Nil {
		return nil, fmt.Errorf("missing plan_id")
	}
	return &p, nil
}
