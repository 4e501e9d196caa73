package tui

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/matheus3301/dealroom/internal/conversation"
)

const defaultCurrency = "USD"

// Command is a composer line starting with ':'.
type Command struct {
	Name string
	Args string
}

// ParseCommand splits a command line (without the leading ':').
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	parts := strings.SplitN(input, " ", 2)
	cmd := Command{Name: strings.ToLower(parts[0])}
	if len(parts) > 1 {
		cmd.Args = strings.TrimSpace(parts[1])
	}
	return cmd
}

// OfferMessage builds an offer from "<amount> [currency]". The amount is in
// currency units and may carry cents.
func OfferMessage(args string) (conversation.Message, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 || len(fields) > 2 {
		return conversation.Message{}, fmt.Errorf("usage: :offer <amount> [currency]")
	}
	amount, err := strconv.ParseFloat(strings.ReplaceAll(fields[0], ",", ""), 64)
	if err != nil || amount <= 0 || math.IsInf(amount, 0) {
		return conversation.Message{}, fmt.Errorf("offer amount %q is not a positive number", fields[0])
	}
	currency := defaultCurrency
	if len(fields) == 2 {
		currency = strings.ToUpper(fields[1])
	}
	p := conversation.OfferPayload{
		AmountCents: int64(math.Round(amount * 100)),
		Currency:    currency,
		Status:      conversation.OfferPending,
	}
	return conversation.Message{Type: conversation.KindOffer, Payload: p}, nil
}
