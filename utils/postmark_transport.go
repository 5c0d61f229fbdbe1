package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

const postmarkSendURL = "https://api.postmarkapp.com/email"

// Postmark API error codes that mean the message will never be accepted.
// 300 = invalid email request, 406 = inactive recipient, 400 = sender
// signature not found, 401 = sender signature not confirmed.
var postmarkPermanentCodes = map[int]bool{
	300: true,
	400: true,
	401: true,
	406: true,
}

// PostmarkTransport delivers mail through the Postmark HTTP API.
type PostmarkTransport struct {
	serverToken string
	client      *fasthttp.Client
}

func NewPostmarkTransport(serverToken string) *PostmarkTransport {
	return &PostmarkTransport{
		serverToken: serverToken,
		client: &fasthttp.Client{
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

type postmarkSendRequest struct {
	From     string            `json:"From"`
	To       string            `json:"To"`
	ReplyTo  string            `json:"ReplyTo,omitempty"`
	Subject  string            `json:"Subject"`
	HTMLBody string            `json:"HtmlBody"`
	Headers  []postmarkHeader  `json:"Headers,omitempty"`
	Metadata map[string]string `json:"Metadata,omitempty"`
}

type postmarkHeader struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type postmarkSendResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
	MessageID string `json:"MessageID"`
}

func (t *PostmarkTransport) Send(ctx context.Context, email *OutboundEmail) (string, error) {
	payload := postmarkSendRequest{
		From:     fmt.Sprintf("%s <%s>", email.FromName, email.From),
		To:       email.To,
		ReplyTo:  email.ReplyTo,
		Subject:  email.Subject,
		HTMLBody: email.HTMLBody,
	}
	for k, v := range email.Headers {
		payload.Headers = append(payload.Headers, postmarkHeader{Name: k, Value: v})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &SendError{Permanent: true, Message: "failed to encode request: " + err.Error()}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(postmarkSendURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", t.serverToken)
	req.SetBody(body)

	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := t.client.DoTimeout(req, resp, timeout); err != nil {
		return "", &SendError{Message: "postmark request failed: " + err.Error()}
	}

	if resp.StatusCode() >= 500 {
		return "", &SendError{Code: resp.StatusCode(), Message: "postmark server error"}
	}

	var result postmarkSendResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", &SendError{Message: "failed to decode postmark response: " + err.Error()}
	}

	if result.ErrorCode != 0 {
		return "", &SendError{
			Permanent: postmarkPermanentCodes[result.ErrorCode] || resp.StatusCode() == fasthttp.StatusUnprocessableEntity,
			Code:      result.ErrorCode,
			Message:   result.Message,
		}
	}
	return result.MessageID, nil
}

// postmarkInboundPayload mirrors the fields of Postmark's inbound and bounce
// webhook bodies this backend cares about.
type postmarkInboundPayload struct {
	From        string `json:"From"`
	To          string `json:"To"`
	Subject     string `json:"Subject"`
	MessageID   string `json:"MessageID"`
	MailboxHash string `json:"MailboxHash"`
	TextBody    string `json:"TextBody"`
	Type        string `json:"Type"`  // bounce webhooks
	Email       string `json:"Email"` // bounce webhooks
	Headers     []postmarkHeader
}

func (t *PostmarkTransport) ParseInbound(body []byte) (*InboundMessage, error) {
	var payload postmarkInboundPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid inbound payload: %w", err)
	}

	msg := &InboundMessage{
		From:        payload.From,
		To:          payload.To,
		Subject:     payload.Subject,
		TextBody:    payload.TextBody,
		MessageID:   payload.MessageID,
		MailboxHash: payload.MailboxHash,
		BounceType:  payload.Type,
	}
	if msg.From == "" && payload.Email != "" {
		msg.From = payload.Email
	}
	for _, h := range payload.Headers {
		switch h.Name {
		case "In-Reply-To":
			msg.InReplyTo = h.Value
		case "References":
			msg.References = h.Value
		}
	}
	return msg, nil
}
