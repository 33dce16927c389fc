package contracts

import (
	"fmt"
	"strings"
)

// Ask is the verdict of a handler
type Ask string

const (
	AskSuccess Ask = "Success"
	AskFailure Ask = "Failure"
)

// ParseAsk parses an ask case-insensitively
func ParseAsk(s string) (Ask, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return AskSuccess, nil
	case "failure":
		return AskFailure, nil
	default:
		return "", fmt.Errorf("%w: unknown ask %q", ErrInvalidOutcome, s)
	}
}

// Outcome is returned by a handler for every message
type Outcome struct {
	Ask     Ask
	Message string
}

// Success reports a processed message
func Success(message string) Outcome {
	return Outcome{Ask: AskSuccess, Message: message}
}

// Failure reports a message that should be retried
func Failure(message string) Outcome {
	return Outcome{Ask: AskFailure, Message: message}
}

// Validate normalizes the ask and rejects unknown values
func (o Outcome) Validate() (Outcome, error) {
	ask, err := ParseAsk(string(o.Ask))
	if err != nil {
		return o, err
	}
	o.Ask = ask
	return o, nil
}

// IsSuccess reports whether the ask is Success
func (o Outcome) IsSuccess() bool {
	return strings.EqualFold(string(o.Ask), string(AskSuccess))
}
