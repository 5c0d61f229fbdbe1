package utils

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTPTransport delivers mail through a plain SMTP relay using gomail.
// It generates its own Message-IDs since SMTP has no provider-side id.
type SMTPTransport struct {
	dialer *gomail.Dialer
	domain string
}

func NewSMTPTransport(host string, port int, username, password, fromAddress string) *SMTPTransport {
	domain := "localhost"
	if at := strings.LastIndex(fromAddress, "@"); at >= 0 {
		domain = fromAddress[at+1:]
	}
	return &SMTPTransport{
		dialer: gomail.NewDialer(host, port, username, password),
		domain: domain,
	}
}

func (t *SMTPTransport) Send(ctx context.Context, email *OutboundEmail) (string, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), t.domain)

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(email.From, email.FromName))
	m.SetHeader("To", email.To)
	if email.ReplyTo != "" {
		m.SetHeader("Reply-To", email.ReplyTo)
	}
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", messageID)
	for k, v := range email.Headers {
		m.SetHeader(k, v)
	}
	m.SetBody("text/html", email.HTMLBody)

	// gomail has no context support; run the dial in a goroutine so the
	// dispatcher's send timeout still applies.
	errCh := make(chan error, 1)
	go func() { errCh <- t.dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return "", &SendError{Message: "smtp send timed out: " + ctx.Err().Error()}
	case err := <-errCh:
		if err != nil {
			return "", classifySMTPError(err)
		}
	}
	return messageID, nil
}

// ParseInbound parses a raw RFC 822 message, the payload an SMTP-based
// inbound hook hands over.
func (t *SMTPTransport) ParseInbound(body []byte) (*InboundMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse inbound message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	msg := &InboundMessage{
		Subject:    firstHeader(h.Get("Subject")),
		MessageID:  firstHeader(h.Get("Message-Id")),
		InReplyTo:  firstHeader(h.Get("In-Reply-To")),
		References: firstHeader(h.Get("References")),
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}
	if to, err := h.AddressList("To"); err == nil && len(to) > 0 {
		msg.To = to[0].Address
		msg.MailboxHash = TokenFromAddress(to[0].Address)
	}
	return msg, nil
}

// classifySMTPError maps SMTP reply codes onto the retry classes: 5xx is a
// permanent rejection, everything else (4xx, dial failures) is transient.
func classifySMTPError(err error) *SendError {
	msg := err.Error()
	for _, field := range strings.Fields(msg) {
		code := strings.TrimSuffix(field, ":")
		if len(code) != 3 {
			continue
		}
		if code[0] == '5' && isDigits(code) {
			return &SendError{Permanent: true, Message: msg}
		}
		if code[0] == '4' && isDigits(code) {
			return &SendError{Message: msg}
		}
	}
	return &SendError{Message: msg}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func firstHeader(v string) string {
	return strings.TrimSpace(v)
}
