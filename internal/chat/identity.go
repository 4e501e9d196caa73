package chat

import (
	"fmt"

	"github.com/matheus3301/dealroom/internal/conversation"
)

// Roles supplied by the gateway.
const (
	RoleParticipant = "participant"
	RoleModerator   = "moderator"
)

// Identity is the authenticated caller.
type Identity struct {
	ParticipantID string
	Role          string
}

func (id Identity) IsModerator() bool { return id.Role == RoleModerator }

// Validate rejects identities the gateway should never have produced.
func (id Identity) Validate() error {
	if id.ParticipantID == "" {
		return fmt.Errorf("%w: missing participant", conversation.ErrUnauthorized)
	}
	if id.ParticipantID == conversation.SystemSender {
		return fmt.Errorf("%w: reserved participant id", conversation.ErrUnauthorized)
	}
	switch id.Role {
	case RoleParticipant, RoleModerator:
		return nil
	}
	return fmt.Errorf("%w: unknown role %q", conversation.ErrUnauthorized, id.Role)
}

// canRead reports whether id may see c.
func (id Identity) canRead(c *conversation.Conversation) bool {
	return c.HasParticipant(id.ParticipantID) || id.IsModerator()
}

func denied(id Identity, conversationID string) error {
	return fmt.Errorf("%w: %s is not a participant of %s", conversation.ErrUnauthorized, id.ParticipantID, conversationID)
}
