package signalling

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/jsonschema-go/jsonschema"
)

var errUnknownType = errors.New("unknown event type")

// ValidationError reports an inbound event that must be discarded before it
// reaches a session.
type ValidationError struct {
	Type    EventType
	EventID string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s event %s: %v", e.Type, e.EventID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UnsupportedVersionError is wrapped by a ValidationError when the event
// carries a protocol version outside SupportedVersions.
type UnsupportedVersionError struct {
	Version any
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported protocol version %v", e.Version)
}

// Validator checks inbound events against the schemas of one revision.
type Validator struct {
	revision Revision
	schemas  map[EventType]*jsonschema.Resolved
}

// NewValidator compiles the schemas for rev.
func NewValidator(rev Revision) (*Validator, error) {
	schemas, err := compile(rev)
	if err != nil {
		return nil, err
	}
	return &Validator{revision: rev, schemas: schemas}, nil
}

func (v *Validator) Revision() Revision { return v.revision }

// Validate decodes in and returns the typed event, or a *ValidationError.
func (v *Validator) Validate(in Inbound) (*Event, error) {
	fail := func(err error) (*Event, error) {
		return nil, &ValidationError{Type: in.Type, EventID: in.EventID, Err: err}
	}

	schema, ok := v.schemas[in.Type]
	if !ok {
		return fail(errUnknownType)
	}

	var instance any
	if err := json.Unmarshal(in.Content, &instance); err != nil {
		return fail(fmt.Errorf("decode content: %w", err))
	}
	obj, ok := instance.(map[string]any)
	if !ok {
		return fail(errors.New("content is not an object"))
	}
	if raw, present := obj["version"]; present {
		if n, isNum := raw.(float64); isNum && !supported(n) {
			return fail(&UnsupportedVersionError{Version: raw})
		}
	}
	if err := schema.Validate(instance); err != nil {
		return fail(err)
	}

	// Re-encoding the checked instance writes integral numbers such as 1.0
	// as 1, which the typed header accepts.
	canonical, err := json.Marshal(obj)
	if err != nil {
		return fail(err)
	}
	content, err := decode(in.Type, canonical)
	if err != nil {
		return fail(err)
	}
	return &Event{
		Scope:     in.Scope,
		Sender:    in.Sender,
		EventID:   in.EventID,
		Type:      in.Type,
		Timestamp: in.Timestamp,
		Content:   content,
	}, nil
}

func supported(n float64) bool {
	if n != float64(int(n)) {
		return false
	}
	return slices.Contains(SupportedVersions, int(n))
}

func decode(t EventType, raw json.RawMessage) (Content, error) {
	var c Content
	switch t {
	case TypeInvite:
		c = &Invite{}
	case TypeCandidates:
		c = &Candidates{}
	case TypeAnswer:
		c = &Answer{}
	case TypeHangup:
		c = &Hangup{}
	case TypeReject:
		c = &Reject{}
	default:
		return nil, errUnknownType
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return c, nil
}
