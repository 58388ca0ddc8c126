// Package models defines the persisted domain entities of signflow:
// signing requests and their recipients.
package models

import "time"

// RecipientType identifies how a Recipient's Value is interpreted.
type RecipientType string

const (
	// RecipientTypeUser means Value is a host user id.
	RecipientTypeUser RecipientType = "user"
	// RecipientTypeEmail means Value is an email address.
	RecipientTypeEmail RecipientType = "email"
)

// KnownRecipientType reports whether t is one of the supported recipient types.
func KnownRecipientType(t RecipientType) bool {
	return t == RecipientTypeUser || t == RecipientTypeEmail
}

// Recipient is one party that must sign a request. Its identity within the
// request is the (Type, Value) pair, which is unique per request.
type Recipient struct {
	Type        RecipientType
	Value       string
	DisplayName string

	// Signed is nil until the recipient has signed.
	Signed *time.Time

	// ExternalSignatureID is the signing service's per-recipient handle,
	// used to correlate asynchronous signed notifications.
	ExternalSignatureID string
}

// SignRequest is a multi-recipient signature request for one hosted file.
// Recipient order is significant: signature fields bind to recipients by
// positional index.
type SignRequest struct {
	ID       string
	FileID   string
	OwnerUID string
	Created  time.Time

	Recipients []*Recipient

	// Options is the share options blob, validated at the boundary and
	// otherwise treated as opaque.
	Options map[string]any

	// Metadata holds the signature field layout.
	Metadata *Metadata

	// Identifiers tying the request to the signing service's own record.
	ExternalFileID    string
	ExternalServer    string
	ExternalAccountID string

	// ExternalResultID is set once all recipients have signed and the
	// signed result has been produced upstream.
	ExternalResultID string
}

// Recipient returns the recipient matching the exact (type, value) identity,
// or nil if the request has no such recipient.
func (r *SignRequest) Recipient(t RecipientType, value string) *Recipient {
	for _, rc := range r.Recipients {
		if rc.Type == t && rc.Value == value {
			return rc
		}
	}
	return nil
}

// RecipientByExternalSignatureID returns the recipient whose upstream
// signature handle equals sigID, or nil.
func (r *SignRequest) RecipientByExternalSignatureID(sigID string) *Recipient {
	if sigID == "" {
		return nil
	}
	for _, rc := range r.Recipients {
		if rc.ExternalSignatureID == sigID {
			return rc
		}
	}
	return nil
}

// AllSigned reports whether every recipient has a signed timestamp.
func (r *SignRequest) AllSigned() bool {
	for _, rc := range r.Recipients {
		if rc.Signed == nil {
			return false
		}
	}
	return len(r.Recipients) > 0
}
