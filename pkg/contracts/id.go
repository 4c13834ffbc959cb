package contracts

import "go.jetify.com/typeid"

// ID prefixes for the engine's entities. TypeIDs sort by creation time,
// which keeps listings and escalation chains naturally ordered.
const (
	prefixCheckpoint = "chk"
	prefixEscalation = "esc"
	prefixFailure    = "flr"
)

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewCheckpointID returns a fresh checkpoint identifier.
func NewCheckpointID() string { return newID(prefixCheckpoint) }

// NewEscalationID returns a fresh escalation record identifier.
func NewEscalationID() string { return newID(prefixEscalation) }

// NewFailureID returns a fresh failure record identifier.
func NewFailureID() string { return newID(prefixFailure) }
