package models

import "encoding/json"

// SignatureField is one signature placement inside a request's metadata.
// RecipientIdx binds the field to a recipient by position; it is required
// whenever the request has more than one recipient.
type SignatureField struct {
	ID           string `json:"id"`
	RecipientIdx *int   `json:"recipient_idx,omitempty"`

	// Extra preserves unknown keys (page, position, dimensions, ...) so the
	// blob round-trips without this service understanding every key.
	Extra map[string]json.RawMessage `json:"-"`
}

// Metadata is the per-file signature layout blob. Unknown top-level keys are
// kept opaquely in Extra.
type Metadata struct {
	SignatureFields []SignatureField `json:"signature_fields"`

	Extra map[string]json.RawMessage `json:"-"`
}

// FieldsForRecipient returns the fields bound to the recipient at position
// idx. With a single recipient, fields without an explicit index also apply.
func (m *Metadata) FieldsForRecipient(idx, recipientCount int) []SignatureField {
	var out []SignatureField
	for _, f := range m.SignatureFields {
		switch {
		case f.RecipientIdx != nil && *f.RecipientIdx == idx:
			out = append(out, f)
		case f.RecipientIdx == nil && recipientCount == 1:
			out = append(out, f)
		}
	}
	return out
}

func (f *SignatureField) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &f.ID); err != nil {
			return err
		}
		delete(raw, "id")
	}
	if v, ok := raw["recipient_idx"]; ok {
		if err := json.Unmarshal(v, &f.RecipientIdx); err != nil {
			return err
		}
		delete(raw, "recipient_idx")
	}
	if len(raw) > 0 {
		f.Extra = raw
	}
	return nil
}

func (f SignatureField) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(f.Extra)+2)
	for k, v := range f.Extra {
		out[k] = v
	}
	out["id"] = f.ID
	if f.RecipientIdx != nil {
		out["recipient_idx"] = *f.RecipientIdx
	}
	return json.Marshal(out)
}

func (m *Metadata) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["signature_fields"]; ok {
		if err := json.Unmarshal(v, &m.SignatureFields); err != nil {
			return err
		}
		delete(raw, "signature_fields")
	}
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+1)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["signature_fields"] = m.SignatureFields
	return json.Marshal(out)
}
