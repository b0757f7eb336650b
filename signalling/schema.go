package signalling

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Revision selects which historical shape of the protocol is enforced.
type Revision int

const (
	// RevisionLegacy has no party identifier; reject is accepted at every
	// supported version.
	RevisionLegacy Revision = iota
	// RevisionPartyID requires party_id whenever version is 1 and only
	// accepts reject at version 1.
	RevisionPartyID
)

func (r Revision) String() string {
	switch r {
	case RevisionLegacy:
		return "legacy"
	case RevisionPartyID:
		return "party_id"
	default:
		return fmt.Sprintf("revision(%d)", int(r))
	}
}

// SupportedVersions lists the protocol versions the bridge speaks.
var SupportedVersions = []int{0, 1}

func constant(v any) *any { return &v }

func str() *jsonschema.Schema { return &jsonschema.Schema{Type: "string"} }

func sessionDescription(kind string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"sdp":  str(),
			"type": {Type: "string", Enum: []any{kind}},
		},
		Required: []string{"sdp", "type"},
	}
}

// eventSchema builds the schema for one event type under a revision.
func eventSchema(t EventType, rev Revision) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"call_id":  str(),
			"party_id": str(),
			"version":  {Type: "integer"},
		},
		Required: []string{"call_id", "version"},
	}
	if rev == RevisionPartyID {
		s.AnyOf = []*jsonschema.Schema{
			{
				Properties: map[string]*jsonschema.Schema{"version": {Const: constant(float64(1))}},
				Required:   []string{"party_id"},
			},
			{
				Properties: map[string]*jsonschema.Schema{"version": {Const: constant(float64(0))}},
			},
		}
	}

	switch t {
	case TypeInvite:
		s.Properties["lifetime"] = &jsonschema.Schema{Type: "number"}
		s.Properties["offer"] = sessionDescription("offer")
		s.Required = append(s.Required, "lifetime", "offer")
	case TypeCandidates:
		s.Properties["candidates"] = &jsonschema.Schema{
			Type: "array",
			Items: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"candidate":     str(),
					"sdpMLineIndex": {Type: "number"},
					"sdpMid":        str(),
				},
				Required: []string{"candidate", "sdpMLineIndex", "sdpMid"},
			},
		}
		s.Required = append(s.Required, "candidates")
	case TypeAnswer:
		s.Properties["answer"] = sessionDescription("answer")
		s.Required = append(s.Required, "answer")
	case TypeHangup:
		s.Properties["reason"] = str()
	case TypeReject:
		if rev == RevisionPartyID {
			s.Properties["version"] = &jsonschema.Schema{Type: "integer", Const: constant(float64(1))}
			s.Required = append(s.Required, "party_id")
			s.AnyOf = nil
		}
	}
	return s
}

func compile(rev Revision) (map[EventType]*jsonschema.Resolved, error) {
	out := make(map[EventType]*jsonschema.Resolved)
	for _, t := range []EventType{TypeInvite, TypeCandidates, TypeAnswer, TypeHangup, TypeReject} {
		resolved, err := eventSchema(t, rev).Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema (%s): %w", t, rev, err)
		}
		out[t] = resolved
	}
	return out, nil
}
