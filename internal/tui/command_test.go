package tui

import (
	"testing"

	"github.com/matheus3301/dealroom/internal/conversation"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"read", Command{Name: "read"}},
		{"  FLAG  spam and scam ", Command{Name: "flag", Args: "spam and scam"}},
		{"start 42 is it available?", Command{Name: "start", Args: "42 is it available?"}},
		{"", Command{}},
	}
	for _, tt := range tests {
		if got := ParseCommand(tt.in); got != tt.want {
			t.Errorf("ParseCommand(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestOfferMessage(t *testing.T) {
	m, err := OfferMessage("85,000.5 brl")
	if err != nil {
		t.Fatal(err)
	}
	p, ok := m.Payload.(conversation.OfferPayload)
	if !ok || m.Type != conversation.KindOffer {
		t.Fatalf("message = %+v", m)
	}
	if p.AmountCents != 8_500_050 || p.Currency != "BRL" || p.Status != conversation.OfferPending {
		t.Errorf("payload = %+v", p)
	}
	m.ID, m.Sender = "m1", "buyer@x"
	if err := conversation.ValidateMessage(m); err != nil {
		t.Errorf("offer should validate: %v", err)
	}

	m, err = OfferMessage("100")
	if err != nil || m.Payload.(conversation.OfferPayload).Currency != defaultCurrency {
		t.Errorf("default currency: %+v, %v", m, err)
	}

	for _, bad := range []string{"", "-5", "abc", "1 USD extra"} {
		if _, err := OfferMessage(bad); err == nil {
			t.Errorf("OfferMessage(%q) should fail", bad)
		}
	}
}
