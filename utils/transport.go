package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OutboundEmail is one message handed to a transport.
type OutboundEmail struct {
	From     string
	FromName string
	ReplyTo  string
	To       string
	Subject  string
	HTMLBody string
	Headers  map[string]string
}

// InboundMessage is a provider-agnostic view of an inbound reply or bounce.
type InboundMessage struct {
	From        string
	To          string
	Subject     string
	TextBody    string
	MessageID   string
	InReplyTo   string
	References  string
	MailboxHash string
	BounceType  string
}

// EmailTransport is the outbound-send capability the dispatcher consumes,
// plus the inbound payload parser used by the webhook controller.
// Implementations must be safe for concurrent use.
type EmailTransport interface {
	Send(ctx context.Context, email *OutboundEmail) (messageID string, err error)
	ParseInbound(body []byte) (*InboundMessage, error)
}

// SendError carries the retry classification of a transport failure.
// Transient errors (network, HTTP 5xx, SMTP 4xx, timeouts) are retried with backoff;
// permanent ones (rejected address, unverified domain) fail the job at once.
type SendError struct {
	Permanent bool
	Code      int
	Message   string
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s send error (%d): %s", kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s send error: %s", kind, e.Message)
}

// IsPermanentSendError reports whether err is a send failure that must not
// be retried. Unclassified errors count as transient.
func IsPermanentSendError(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Permanent
	}
	return false
}

// ReplyToWithToken builds a plus-addressed reply-to so inbound replies can
// be routed back to the lead without header parsing:
// reply@dom + lead -> reply+<leadID>@dom.
func ReplyToWithToken(replyTo string, leadID uuid.UUID) string {
	at := strings.LastIndex(replyTo, "@")
	if at <= 0 {
		return replyTo
	}
	return replyTo[:at] + "+" + leadID.String() + replyTo[at:]
}

// TokenFromAddress extracts the lead token from a plus-addressed recipient.
func TokenFromAddress(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return ""
	}
	local := addr[:at]
	plus := strings.Index(local, "+")
	if plus < 0 {
		return ""
	}
	return local[plus+1:]
}
