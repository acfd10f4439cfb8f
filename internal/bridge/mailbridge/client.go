package mailbridge

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/threadline-ai/threadline/internal/config"
)

// maxBodySize caps the extracted body text fed into a turn.
const maxBodySize = 32 * 1024

// maxRawMessageSize caps the raw RFC822 literal buffered per message.
// The remainder of an oversized literal is drained to keep the IMAP
// stream in sync.
const maxRawMessageSize = 5 * 1024 * 1024

// inboundMail is one fetched message reduced to what a turn needs.
type inboundMail struct {
	UID     uint32
	From    string
	Subject string
	Date    time.Time
	Body    string
}

// client wraps go-imap/v2 with reconnection and mutex-serialized
// access.
type client struct {
	cfg    config.MailConfig
	logger *slog.Logger

	mu   sync.Mutex
	imap *imapclient.Client
}

func newClient(cfg config.MailConfig, logger *slog.Logger) *client {
	return &client{cfg: cfg, logger: logger}
}

// connectLocked dials and authenticates. Caller must hold c.mu.
func (c *client) connectLocked() error {
	if c.imap != nil {
		_ = c.imap.Close()
		c.imap = nil
	}

	host := c.cfg.Server
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	opts := imapclient.Options{
		TLSConfig: &tls.Config{ServerName: host},
	}

	c.logger.Debug("connecting to IMAP server", "server", c.cfg.Server)
	conn, err := imapclient.DialTLS(c.cfg.Server, &opts)
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", c.cfg.Server, err)
	}

	if err := conn.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("login as %s: %w", c.cfg.Username, err)
	}

	c.imap = conn
	c.logger.Info("IMAP connected", "server", c.cfg.Server, "user", c.cfg.Username)
	return nil
}

// ensureConnectedLocked reconnects if the connection is stale. Caller
// must hold c.mu.
func (c *client) ensureConnectedLocked() error {
	if c.imap != nil {
		if err := c.imap.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting", "server", c.cfg.Server)
	}
	return c.connectLocked()
}

func (c *client) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.imap == nil {
		return nil
	}
	err := c.imap.Close()
	c.imap = nil
	return err
}

// fetchUnseen returns the mailbox's unseen messages, marking them seen
// as a side effect of the body fetch so the next poll skips them.
func (c *client) fetchUnseen(ctx context.Context) ([]inboundMail, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(); err != nil {
		return nil, err
	}

	if _, err := c.imap.Select(c.cfg.Mailbox, nil).Wait(); err != nil {
		return nil, fmt.Errorf("select %s: %w", c.cfg.Mailbox, err)
	}

	searchData, err := c.imap.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(uids...)

	fetchCmd := c.imap.Fetch(uidSet, &imap.FetchOptions{
		UID:      true,
		Envelope: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: false}, // fetching marks \Seen; that is the dedupe
		},
	})

	var out []inboundMail
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var m inboundMail
		var rawBody []byte
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				m.UID = uint32(data.UID)
			case imapclient.FetchItemDataEnvelope:
				if data.Envelope != nil {
					m.Subject = data.Envelope.Subject
					m.Date = data.Envelope.Date
					if len(data.Envelope.From) > 0 {
						m.From = data.Envelope.From[0].Addr()
					}
				}
			case imapclient.FetchItemDataBodySection:
				// Consume the literal immediately; msg.Next() advances
				// past unread literals.
				if data.Literal == nil {
					continue
				}
				var readErr error
				rawBody, readErr = io.ReadAll(io.LimitReader(data.Literal, maxRawMessageSize))
				_, _ = io.Copy(io.Discard, data.Literal)
				if readErr != nil {
					c.logger.Debug("error reading body literal", "uid", m.UID, "error", readErr)
					rawBody = nil
				}
			}
		}

		if rawBody != nil {
			m.Body = extractBody(rawBody, c.logger)
		}
		out = append(out, m)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch unseen: %w", err)
	}
	return out, nil
}

// extractBody walks the MIME structure and returns the best text
// rendition: text/plain as-is, else text/html reduced to text.
//
// go-message may return both a valid reader AND an error for unknown
// charsets; those are non-fatal and parsing continues.
func extractBody(raw []byte, logger *slog.Logger) string {
	mailReader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		logger.Debug("mail parse failed", "error", err)
		return ""
	}
	if mailReader == nil {
		return ""
	}

	var plain, htmlBody string
	for {
		part, err := mailReader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			logger.Debug("mail part parse failed", "error", err)
			break
		}
		if part == nil {
			continue
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			// Attachments are irrelevant to the conversation text.
			continue
		}
		contentType, _, _ := header.ContentType()

		switch {
		case contentType == "text/plain" && plain == "":
			plain = readPart(part.Body, logger)
		case contentType == "text/html" && htmlBody == "":
			htmlBody = readPart(part.Body, logger)
		}
	}

	if plain != "" {
		return plain
	}
	if htmlBody != "" {
		return strings.TrimSpace(htmlToText(htmlBody))
	}
	return ""
}

func readPart(r io.Reader, logger *slog.Logger) string {
	body, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		logger.Debug("error reading mail part", "error", err)
		return ""
	}
	text := string(body)
	if len(body) > maxBodySize {
		text = text[:maxBodySize]
	}
	return strings.TrimSpace(text)
}
