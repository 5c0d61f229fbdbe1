package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"coldsend/store"
	"coldsend/utils"
)

// ReplyPoller is the IMAP-based reply ingestion path, used when the
// deployment has no inbound webhook (REPLY_MODE=imap). It scans the inbox
// for unseen messages, correlates them through the same message-id logic
// as the webhook, and feeds store.IngestReply.
type ReplyPoller struct {
	Store    *store.Store
	Logger   *log.Logger
	Host     string
	Port     string
	Username string
	Password string

	Interval time.Duration
}

func NewReplyPoller(st *store.Store, logger *log.Logger, host, port, username, password string) *ReplyPoller {
	return &ReplyPoller{
		Store:    st,
		Logger:   logger,
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		Interval: 2 * time.Minute,
	}
}

func (rp *ReplyPoller) Start(ctx context.Context) {
	rp.Logger.Println("Reply poller started")

	ticker := time.NewTicker(rp.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rp.Logger.Println("Reply poller shutting down...")
			return
		case <-ticker.C:
			if err := rp.fetchReplies(); err != nil {
				rp.Logger.Printf("Error fetching replies: %v", err)
			}
		}
	}
}

func (rp *ReplyPoller) fetchReplies() error {
	imapAddr := fmt.Sprintf("%s:%s", rp.Host, rp.Port)
	imapClient, err := client.DialTLS(imapAddr, &tls.Config{ServerName: rp.Host})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %v", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(rp.Username, rp.Password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %v", err)
	}

	if _, err := imapClient.Select("INBOX", false); err != nil {
		return fmt.Errorf("failed to select mailbox: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %v", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchRFC822}, messages)
	}()

	for msg := range messages {
		if err := rp.processMessage(msg); err != nil {
			rp.Logger.Printf("Failed to process message %d: %v", msg.SeqNum, err)
			continue
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %v", err)
	}
	return nil
}

func (rp *ReplyPoller) processMessage(msg *imap.Message) error {
	inbound := &utils.InboundMessage{}

	if msg.Envelope != nil {
		inbound.Subject = msg.Envelope.Subject
		inbound.InReplyTo = msg.Envelope.InReplyTo
		if len(msg.Envelope.From) > 0 {
			inbound.From = msg.Envelope.From[0].Address()
		}
		if len(msg.Envelope.To) > 0 {
			inbound.To = msg.Envelope.To[0].Address()
			inbound.MailboxHash = utils.TokenFromAddress(inbound.To)
		}
	}

	// The envelope has no References header; pull it from the raw body.
	for _, literal := range msg.Body {
		mr, err := mail.CreateReader(literal)
		if err != nil {
			continue
		}
		if refs := mr.Header.Get("References"); refs != "" {
			inbound.References = refs
		}
		if irt := mr.Header.Get("In-Reply-To"); irt != "" && inbound.InReplyTo == "" {
			inbound.InReplyTo = irt
		}
		if p, err := mr.NextPart(); err == nil {
			if b, err := io.ReadAll(p.Body); err == nil {
				inbound.TextBody = string(b)
			}
		}
		mr.Close()
		break
	}

	leadID, changed, err := rp.Store.IngestReply(inbound)
	if err != nil {
		if errors.Is(err, store.ErrNoMatch) {
			rp.Logger.Printf("Reply from %s matches no lead - ignoring", inbound.From)
			return nil
		}
		return err
	}
	if changed {
		rp.Logger.Printf("Lead %s marked as replied via IMAP", leadID)
	}
	return nil
}
