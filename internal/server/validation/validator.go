// Package validation contains the structural checks applied to a signing
// request before anything is sent upstream: recipient lists, signature-field
// metadata, and share options. All checks are pure; nothing here mutates its
// input or performs I/O.
package validation

import (
	"encoding/json"
	"fmt"

	"github.com/dkrasnov/signflow/internal/common"
	"github.com/dkrasnov/signflow/internal/server/models"
)

// Blob size caps. Metadata and options arrive from the client as free-form
// JSON and are stored verbatim, so their size is bounded here.
const (
	MaxMetadataSize = 8 << 10
	MaxOptionsSize  = 8 << 10
)

// ShareMetadata checks the raw metadata blob and returns a list of problem
// descriptions, empty when the blob is acceptable.
func ShareMetadata(raw []byte) []string {
	var problems []string
	if len(raw) > MaxMetadataSize {
		problems = append(problems, fmt.Sprintf("metadata exceeds %d bytes", MaxMetadataSize))
		return problems
	}
	var m models.Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		problems = append(problems, "metadata is not a JSON object")
		return problems
	}
	if len(m.SignatureFields) == 0 {
		problems = append(problems, "metadata contains no signature fields")
	}
	seen := make(map[string]struct{}, len(m.SignatureFields))
	for i, f := range m.SignatureFields {
		if f.ID == "" {
			problems = append(problems, fmt.Sprintf("signature field %d has no id", i))
			continue
		}
		if _, dup := seen[f.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate signature field id %q", f.ID))
		}
		seen[f.ID] = struct{}{}
	}
	return problems
}

// ShareOptions checks the raw options blob and returns a list of problem
// descriptions, empty when the blob is acceptable.
func ShareOptions(raw []byte) []string {
	var problems []string
	if len(raw) == 0 {
		return nil
	}
	if len(raw) > MaxOptionsSize {
		problems = append(problems, fmt.Sprintf("options exceed %d bytes", MaxOptionsSize))
		return problems
	}
	var o map[string]any
	if err := json.Unmarshal(raw, &o); err != nil {
		problems = append(problems, "options are not a JSON object")
	}
	return problems
}

// Recipients rejects empty lists, unknown recipient types, empty values, and
// duplicate (type, value) pairs. Values are compared exactly as given; email
// addresses are not case-folded.
func Recipients(rcpts []*models.Recipient) error {
	if len(rcpts) == 0 {
		return fmt.Errorf("%w: no recipients", common.ErrValidation)
	}
	seen := make(map[models.RecipientType]map[string]struct{})
	for _, rc := range rcpts {
		if !models.KnownRecipientType(rc.Type) {
			return fmt.Errorf("%w: %q (%w)", common.ErrUnknownRecipientType, rc.Type, common.ErrValidation)
		}
		if rc.Value == "" {
			return fmt.Errorf("%w: empty recipient value", common.ErrValidation)
		}
		if seen[rc.Type] == nil {
			seen[rc.Type] = make(map[string]struct{})
		}
		if _, dup := seen[rc.Type][rc.Value]; dup {
			return fmt.Errorf("%w: %s %q (%w)", common.ErrDuplicateRecipient, rc.Type, rc.Value, common.ErrValidation)
		}
		seen[rc.Type][rc.Value] = struct{}{}
	}
	return nil
}

// FieldBinding enforces the field/recipient index invariant for requests
// with more than one recipient: every field must carry an index inside
// [0, recipientCount), and every recipient must be referenced by at least
// one field. Single-recipient requests bind implicitly, but an explicit
// index must still be in range so the field stays reachable at sign time.
func FieldBinding(meta *models.Metadata, recipientCount int) error {
	if recipientCount <= 1 {
		for _, f := range meta.SignatureFields {
			if f.RecipientIdx != nil && (*f.RecipientIdx < 0 || *f.RecipientIdx >= recipientCount) {
				return fmt.Errorf("%w: field %q index %d out of range (%w)",
					common.ErrInvalidMetadata, f.ID, *f.RecipientIdx, common.ErrValidation)
			}
		}
		return nil
	}
	assigned := make([]bool, recipientCount)
	for _, f := range meta.SignatureFields {
		if f.RecipientIdx == nil {
			return fmt.Errorf("%w: field %q has no recipient index (%w)",
				common.ErrInvalidMetadata, f.ID, common.ErrValidation)
		}
		idx := *f.RecipientIdx
		if idx < 0 || idx >= recipientCount {
			return fmt.Errorf("%w: field %q index %d out of range (%w)",
				common.ErrInvalidMetadata, f.ID, idx, common.ErrValidation)
		}
		assigned[idx] = true
	}
	for i, ok := range assigned {
		if !ok {
			return fmt.Errorf("%w: recipient %d has no signature field (%w)",
				common.ErrInvalidMetadata, i, common.ErrValidation)
		}
	}
	return nil
}
