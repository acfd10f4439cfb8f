package web

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/threadline-ai/threadline/internal/customer"
)

var transcriptMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// handleTranscript exports a subject's conversation. Default format is
// JSON; ?format=markdown returns the markdown source and ?format=html
// the rendered document.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	c := s.coord.Transcript(r.Context(), subjectID)
	if c == nil {
		writeError(w, http.StatusNotFound, "no conversation for subject")
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, c)
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		fmt.Fprint(w, renderTranscriptMarkdown(c))
	case "html":
		var buf bytes.Buffer
		if err := transcriptMarkdown.Convert([]byte(renderTranscriptMarkdown(c)), &buf); err != nil {
			s.logger.Error("transcript render failed", "subject", subjectID, "error", err)
			writeError(w, http.StatusInternalServerError, "transcript render failed")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		buf.WriteTo(w)
	default:
		writeError(w, http.StatusBadRequest, "unknown format (valid: json, markdown, html)")
	}
}

// renderTranscriptMarkdown lays out a conversation as a markdown
// document, one blockquote paragraph per message.
func renderTranscriptMarkdown(c *customer.Context) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Conversation %s\n\n", c.SubjectID)
	fmt.Fprintf(&sb, "- Started: %s\n", c.SessionStart.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&sb, "- Last active: %s\n", c.LastActive.Format("2006-01-02 15:04:05 MST"))
	if c.EscalationLevel > 0 {
		fmt.Fprintf(&sb, "- Escalation level: %d\n", c.EscalationLevel)
	}
	sb.WriteString("\n")

	for _, m := range c.Messages {
		role := m.Role
		if role == "" {
			role = "unknown"
		}
		if m.Timestamp.IsZero() {
			fmt.Fprintf(&sb, "**%s**\n\n", role)
		} else {
			fmt.Fprintf(&sb, "**%s** _%s_\n\n", role, m.Timestamp.Format("15:04:05"))
		}
		for _, line := range strings.Split(m.Content, "\n") {
			fmt.Fprintf(&sb, "> %s\n", line)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
