package conversation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxTextLength = 4000
	maxIDLength   = 128
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]+$`)

// ValidateID checks a conversation, message or participant identifier.
func ValidateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrValidation, field, maxIDLength)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %s %q contains invalid characters", ErrValidation, field, id)
	}
	return nil
}

// ValidateKey checks that key names two distinct participants and a subject.
func ValidateKey(key Key) error {
	if err := ValidateID("participantA", key.ParticipantA); err != nil {
		return err
	}
	if err := ValidateID("participantB", key.ParticipantB); err != nil {
		return err
	}
	if err := ValidateID("subjectId", key.SubjectID); err != nil {
		return err
	}
	if key.ParticipantA == key.ParticipantB {
		return fmt.Errorf("%w: a conversation needs two distinct participants", ErrValidation)
	}
	if key.ParticipantA == SystemSender || key.ParticipantB == SystemSender {
		return fmt.Errorf("%w: %q cannot be a participant", ErrValidation, SystemSender)
	}
	return nil
}

// ValidateMessage checks the fields a client controls.
func ValidateMessage(m Message) error {
	if m.Sender == "" {
		return fmt.Errorf("%w: sender is required", ErrValidation)
	}
	return ValidateDraft(m)
}

// ValidateDraft checks a message before the server assigns its sender.
func ValidateDraft(m Message) error {
	if err := ValidateID("message id", m.ID); err != nil {
		return err
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrValidation, m.Type)
	}
	if utf8.RuneCountInString(m.Text) > MaxTextLength {
		return fmt.Errorf("%w: text exceeds %d characters", ErrValidation, MaxTextLength)
	}

	switch m.Type {
	case KindText, KindSystem:
		if strings.TrimSpace(m.Text) == "" {
			return fmt.Errorf("%w: %s message needs text", ErrValidation, m.Type)
		}
		if m.Payload != nil {
			return fmt.Errorf("%w: %s message cannot carry a payload", ErrValidation, m.Type)
		}
		return nil
	default:
		if m.Payload == nil {
			return fmt.Errorf("%w: %s message needs a payload", ErrValidation, m.Type)
		}
		if m.Payload.Kind() != m.Type {
			return fmt.Errorf("%w: payload %s does not match type %s", ErrValidation, m.Payload.Kind(), m.Type)
		}
		return m.Payload.validate()
	}
}
