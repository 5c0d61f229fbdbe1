package utils

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestReplyToWithToken(t *testing.T) {
	leadID := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	got := ReplyToWithToken("reply@mail.example.com", leadID)
	want := "reply+11111111-2222-3333-4444-555555555555@mail.example.com"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	// malformed addresses pass through unchanged
	if got := ReplyToWithToken("not-an-address", leadID); got != "not-an-address" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestTokenFromAddress(t *testing.T) {
	cases := map[string]string{
		"reply+abc123@mail.example.com": "abc123",
		"reply@mail.example.com":        "",
		"broken":                        "",
		"a+b+c@x.test":                  "b+c",
	}
	for addr, want := range cases {
		if got := TokenFromAddress(addr); got != want {
			t.Errorf("%q: expected %q, got %q", addr, want, got)
		}
	}
}

func TestIsPermanentSendError(t *testing.T) {
	if IsPermanentSendError(&SendError{Permanent: true, Message: "rejected"}) != true {
		t.Error("permanent SendError must classify permanent")
	}
	if IsPermanentSendError(&SendError{Message: "timeout"}) {
		t.Error("transient SendError must not classify permanent")
	}
	if IsPermanentSendError(errors.New("plain error")) {
		t.Error("unclassified errors count as transient")
	}
}

func TestClassifySMTPError(t *testing.T) {
	if err := classifySMTPError(errors.New("550 5.1.1 user unknown")); !err.Permanent {
		t.Error("5xx reply must be permanent")
	}
	if err := classifySMTPError(errors.New("451 try again later")); err.Permanent {
		t.Error("4xx reply must be transient")
	}
	if err := classifySMTPError(errors.New("dial tcp: connection refused")); err.Permanent {
		t.Error("dial failures must be transient")
	}
}

func TestPostmarkParseInbound(t *testing.T) {
	tr := NewPostmarkTransport("token")

	payload := []byte(`{
		"From": "jane@acme.test",
		"To": "reply+11111111-2222-3333-4444-555555555555@mail.example.com",
		"Subject": "Re: Hi",
		"MessageID": "inbound-id",
		"MailboxHash": "11111111-2222-3333-4444-555555555555",
		"TextBody": "sounds good",
		"Headers": [
			{"Name": "In-Reply-To", "Value": "<orig-id@mail.example.com>"},
			{"Name": "References", "Value": "<orig-id@mail.example.com>"}
		]
	}`)

	msg, err := tr.ParseInbound(payload)
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	if msg.From != "jane@acme.test" {
		t.Errorf("from: got %q", msg.From)
	}
	if msg.MailboxHash != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("mailbox hash: got %q", msg.MailboxHash)
	}
	if msg.InReplyTo != "<orig-id@mail.example.com>" {
		t.Errorf("in-reply-to: got %q", msg.InReplyTo)
	}

	if _, err := tr.ParseInbound([]byte("not json")); err == nil {
		t.Error("invalid payload must error")
	}
}

func TestPostmarkParseBounce(t *testing.T) {
	tr := NewPostmarkTransport("token")

	payload := []byte(`{
		"Type": "HardBounce",
		"Email": "gone@acme.test",
		"MessageID": "outbound-id"
	}`)

	msg, err := tr.ParseInbound(payload)
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	if msg.BounceType != "HardBounce" {
		t.Errorf("bounce type: got %q", msg.BounceType)
	}
	if msg.From != "gone@acme.test" {
		t.Errorf("bounced address should fall back to Email field, got %q", msg.From)
	}
	if msg.MessageID != "outbound-id" {
		t.Errorf("message id: got %q", msg.MessageID)
	}
}
