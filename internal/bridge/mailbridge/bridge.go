// Package mailbridge feeds inbound email into conversations. An IMAP
// poller fetches unseen messages, extracts their text, and runs each as
// a turn under an email-derived subject ID. Replies are logged only;
// outbound mail delivery is a separate concern.
package mailbridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/threadline-ai/threadline/internal/config"
	"github.com/threadline-ai/threadline/internal/orchestrator"
)

// Coordinator is the orchestrator surface the bridge needs.
type Coordinator interface {
	ProcessTurn(ctx context.Context, agentRef, subjectID, userText, channel string) (*orchestrator.TurnResult, error)
}

// Bridge polls a mailbox and turns new messages into conversation
// turns.
type Bridge struct {
	cfg      config.MailConfig
	agentRef string
	coord    Coordinator
	logger   *slog.Logger
	client   *client

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a bridge but does not connect. Call [Bridge.Start].
func New(cfg config.MailConfig, agentRef string, coord Coordinator, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Agent != "" {
		agentRef = cfg.Agent
	}
	return &Bridge{
		cfg:      cfg,
		agentRef: agentRef,
		coord:    coord,
		logger:   logger,
		client:   newClient(cfg, logger),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the poll loop. The first poll runs immediately so a
// restart catches mail that arrived while down.
func (b *Bridge) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.loop()
	b.logger.Info("mail bridge started", "server", b.cfg.Server, "mailbox", b.cfg.Mailbox, "interval", b.cfg.PollInterval())
}

// Stop halts the loop and closes the IMAP connection.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	b.wg.Wait()
	if err := b.client.close(); err != nil {
		b.logger.Debug("IMAP close failed", "error", err)
	}
	b.logger.Info("mail bridge stopped")
}

func (b *Bridge) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PollInterval())
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		b.poll(ctx)
		cancel()

		select {
		case <-ticker.C:
		case <-b.stopCh:
			return
		}
	}
}

// poll fetches unseen messages and runs each as a turn. Per-message
// failures are logged and skipped; one bad message must not block the
// rest of the mailbox.
func (b *Bridge) poll(ctx context.Context) {
	messages, err := b.client.fetchUnseen(ctx)
	if err != nil {
		b.logger.Warn("mail poll failed", "error", err)
		return
	}

	for _, m := range messages {
		if m.From == "" {
			b.logger.Debug("skipping message without sender", "uid", m.UID)
			continue
		}
		text := turnText(m)
		if text == "" {
			b.logger.Debug("skipping message without text", "uid", m.UID, "from", m.From)
			continue
		}

		subjectID := SubjectID(m.From)
		result, err := b.coord.ProcessTurn(ctx, b.agentRef, subjectID, text, "email")
		if err != nil {
			b.logger.Error("email turn failed", "subject", subjectID, "uid", m.UID, "error", err)
			continue
		}
		b.logger.Info("email turn processed",
			"subject", subjectID,
			"uid", m.UID,
			"awaiting_approval", result.AwaitingApproval,
			"reply_len", len(result.Reply),
		)
	}
}

// SubjectID derives the canonical subject for a sender address.
func SubjectID(addr string) string {
	return "email_" + strings.ToLower(strings.TrimSpace(addr))
}

// turnText renders one message as turn input, leading with the subject
// line when present.
func turnText(m inboundMail) string {
	body := strings.TrimSpace(m.Body)
	subject := strings.TrimSpace(m.Subject)
	switch {
	case subject == "" && body == "":
		return ""
	case subject == "":
		return body
	case body == "":
		return subject
	default:
		return fmt.Sprintf("Subject: %s\n\n%s", subject, body)
	}
}
