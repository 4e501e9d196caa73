package wire

import (
	"errors"
	"fmt"
	"testing"

	"github.com/matheus3301/dealroom/internal/conversation"
)

func TestSendMessageFrame(t *testing.T) {
	frame, err := Encode(TypeSendMessage, SendMessage{
		RequestID:      "r1",
		ConversationID: "c1",
		Message: conversation.Message{
			ID:      "m1",
			Sender:  "buyer@x",
			Type:    conversation.KindOffer,
			Payload: conversation.OfferPayload{AmountCents: 900000, Currency: "EUR", Status: conversation.OfferPending},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	env, err := Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeSendMessage {
		t.Fatalf("type = %q", env.Type)
	}
	var got SendMessage
	if err := env.Into(&got); err != nil {
		t.Fatal(err)
	}
	offer, ok := got.Message.Payload.(conversation.OfferPayload)
	if !ok {
		t.Fatalf("payload = %T", got.Message.Payload)
	}
	if got.RequestID != "r1" || offer.AmountCents != 900000 {
		t.Errorf("decoded = %+v", got)
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{`},
		{"no type", `{"data":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.frame)); !errors.Is(err, conversation.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}

	env, err := Decode([]byte(`{"type":"join-conversation"}`))
	if err != nil {
		t.Fatal(err)
	}
	var j JoinConversation
	if err := env.Into(&j); !errors.Is(err, conversation.ErrValidation) {
		t.Errorf("Into err = %v, want ErrValidation", err)
	}
}

func TestErrorCodesRoundTrip(t *testing.T) {
	for _, sentinel := range []error{
		conversation.ErrValidation,
		conversation.ErrNotFound,
		conversation.ErrUnauthorized,
		conversation.ErrStoreUnavailable,
	} {
		frame := NewError("r1", fmt.Errorf("append: %w", sentinel))
		if !errors.Is(frame.Err(), sentinel) {
			t.Errorf("code %q lost %v", frame.Code, sentinel)
		}
	}

	frame := NewError("", errors.New("boom"))
	if frame.Code != CodeInternal {
		t.Errorf("code = %q, want internal", frame.Code)
	}
	if conversation.IsPermanent(frame.Err()) {
		t.Error("internal errors should be retryable on the client")
	}
}

func TestRequestIDSurvivesBadMessage(t *testing.T) {
	env, err := Decode([]byte(`{"type":"send-message","data":{"requestId":"r1","message":{"type":"sticker"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	var req SendMessage
	if err := env.Into(&req); err == nil {
		t.Fatal("expected decode error for unknown message type")
	}
	if got := env.RequestID(); got != "r1" {
		t.Errorf("RequestID = %q, want r1", got)
	}
	if got := (Envelope{Type: TypeTyping}).RequestID(); got != "" {
		t.Errorf("RequestID without data = %q", got)
	}
}
