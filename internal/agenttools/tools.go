package agenttools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EmailTools bundles the pieces the email handlers need.
type EmailTools struct {
	Mail        *MailClient
	SMTP        SMTPConfig
	DefaultFrom string
}

// RegisterEmailTools adds the email tools to the registry.
func RegisterEmailTools(r *Registry, et *EmailTools) {
	r.Register(&Tool{
		Name:        "read_emails",
		Description: "Read recent emails from a mailbox folder. Returns a newest-first list with date, sender, and subject.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"folder": map[string]any{
					"type":        "string",
					"description": "Mailbox folder to read (default INBOX)",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Maximum number of messages to return (default 10)",
				},
				"unread_only": map[string]any{
					"type":        "boolean",
					"description": "Only return unread messages",
				},
			},
		},
		Handler: et.handleReadEmails,
	})

	r.Register(&Tool{
		Name:        "search_emails",
		Description: "Search emails by text, sender, or date range. Returns a newest-first list of matching messages.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Text to search for in subject and body",
				},
				"from": map[string]any{
					"type":        "string",
					"description": "Only messages from this sender address",
				},
				"since": map[string]any{
					"type":        "string",
					"description": "Only messages on or after this date (YYYY-MM-DD)",
				},
				"before": map[string]any{
					"type":        "string",
					"description": "Only messages before this date (YYYY-MM-DD)",
				},
				"folder": map[string]any{
					"type":        "string",
					"description": "Mailbox folder to search (default INBOX)",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Maximum number of messages to return (default 10)",
				},
			},
		},
		Handler: et.handleSearchEmails,
	})

	r.Register(&Tool{
		Name:        "get_email_detail",
		Description: "Fetch one email in full: headers, body text, and attachment info. Reading marks the message as seen.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"uid": map[string]any{
					"type":        "integer",
					"description": "Message UID as returned by read_emails or search_emails",
				},
				"folder": map[string]any{
					"type":        "string",
					"description": "Mailbox folder holding the message (default INBOX)",
				},
			},
			"required": []string{"uid"},
		},
		Handler: et.handleEmailDetail,
	})

	r.Register(&Tool{
		Name:        "send_email",
		Description: "Compose and send an email. The body is markdown and is delivered as both plain text and HTML.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Recipient addresses",
				},
				"cc": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "CC addresses",
				},
				"subject": map[string]any{
					"type":        "string",
					"description": "Message subject line",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Plain-text message body",
				},
			},
			"required": []string{"to", "subject", "body"},
		},
		Handler: et.handleSendEmail,
	})

	r.Register(&Tool{
		Name:        "reply_email",
		Description: "Reply to an email. The reply quotes the original and keeps the thread intact via In-Reply-To and References.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"uid": map[string]any{
					"type":        "integer",
					"description": "UID of the message to reply to",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Reply body in markdown",
				},
				"reply_all": map[string]any{
					"type":        "boolean",
					"description": "Also address everyone on the original To and Cc lines",
				},
				"folder": map[string]any{
					"type":        "string",
					"description": "Mailbox folder holding the message (default INBOX)",
				},
			},
			"required": []string{"uid", "body"},
		},
		Handler: et.handleReplyEmail,
	})

	r.Register(&Tool{
		Name:        "forward_email",
		Description: "Forward an email to new recipients, with an optional note above the forwarded content.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"uid": map[string]any{
					"type":        "integer",
					"description": "UID of the message to forward",
				},
				"to": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Recipient addresses",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Note to place above the forwarded message",
				},
				"folder": map[string]any{
					"type":        "string",
					"description": "Mailbox folder holding the message (default INBOX)",
				},
			},
			"required": []string{"uid", "to"},
		},
		Handler: et.handleForwardEmail,
	})
}

// RegisterSystemTools adds the local machine tools to the registry.
func RegisterSystemTools(r *Registry) {
	r.Register(&Tool{
		Name:        "get_system_status",
		Description: "Get the status of the machine this agent runs on: hostname, OS, load, and memory.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return systemStatus(), nil
		},
	})
}

func (et *EmailTools) handleReadEmails(ctx context.Context, args map[string]any) (string, error) {
	opts := ListOptions{Folder: "INBOX", Limit: 10}
	if f, ok := args["folder"].(string); ok && f != "" {
		opts.Folder = f
	}
	if n, ok := args["count"].(float64); ok && n > 0 {
		opts.Limit = int(n)
	}
	if u, ok := args["unread_only"].(bool); ok {
		opts.Unseen = u
	}

	msgs, err := et.Mail.ListMessages(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	if len(msgs) == 0 {
		if opts.Unseen {
			return fmt.Sprintf("No unread messages in %s.", opts.Folder), nil
		}
		return fmt.Sprintf("No messages in %s.", opts.Folder), nil
	}
	return formatEnvelopes(msgs), nil
}

func (et *EmailTools) handleSearchEmails(ctx context.Context, args map[string]any) (string, error) {
	opts := SearchOptions{Folder: "INBOX", Limit: 10}
	if q, ok := args["query"].(string); ok {
		opts.Query = q
	}
	if f, ok := args["from"].(string); ok {
		opts.From = f
	}
	if f, ok := args["folder"].(string); ok && f != "" {
		opts.Folder = f
	}
	if n, ok := args["count"].(float64); ok && n > 0 {
		opts.Limit = int(n)
	}
	if s, ok := args["since"].(string); ok && s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return "", fmt.Errorf("invalid since date %q (want YYYY-MM-DD)", s)
		}
		opts.Since = t
	}
	if b, ok := args["before"].(string); ok && b != "" {
		t, err := time.Parse("2006-01-02", b)
		if err != nil {
			return "", fmt.Errorf("invalid before date %q (want YYYY-MM-DD)", b)
		}
		opts.Before = t
	}
	if opts.Query == "" && opts.From == "" && opts.Since.IsZero() && opts.Before.IsZero() {
		return "", fmt.Errorf("at least one of query, from, since, or before is required")
	}

	msgs, err := et.Mail.SearchMessages(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("search messages: %w", err)
	}
	if len(msgs) == 0 {
		return "No matching messages.", nil
	}
	return formatEnvelopes(msgs), nil
}

func (et *EmailTools) handleSendEmail(ctx context.Context, args map[string]any) (string, error) {
	to := stringSlice(args["to"])
	if len(to) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}
	cc := stringSlice(args["cc"])
	subject, _ := args["subject"].(string)
	body, _ := args["body"].(string)
	if body == "" {
		return "", fmt.Errorf("body is required")
	}

	msg, err := ComposeMessage(ComposeOptions{
		From:    et.DefaultFrom,
		To:      to,
		Cc:      cc,
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		return "", fmt.Errorf("compose message: %w", err)
	}

	recipients := collectRecipients(to, cc)
	if err := SendMail(ctx, et.SMTP, et.DefaultFrom, recipients, msg); err != nil {
		return "", fmt.Errorf("send mail: %w", err)
	}
	return fmt.Sprintf("Email sent to %s.", strings.Join(to, ", ")), nil
}

func (et *EmailTools) handleEmailDetail(ctx context.Context, args map[string]any) (string, error) {
	uid, ok := args["uid"].(float64)
	if !ok || uid <= 0 {
		return "", fmt.Errorf("uid is required")
	}
	folder, _ := args["folder"].(string)

	msg, err := et.Mail.ReadMessage(ctx, folder, uint32(uid))
	if err != nil {
		return "", fmt.Errorf("read message: %w", err)
	}
	return formatMessageDetail(msg), nil
}

func (et *EmailTools) handleReplyEmail(ctx context.Context, args map[string]any) (string, error) {
	uid, ok := args["uid"].(float64)
	if !ok || uid <= 0 {
		return "", fmt.Errorf("uid is required")
	}
	body, _ := args["body"].(string)
	if body == "" {
		return "", fmt.Errorf("body is required")
	}
	replyAll, _ := args["reply_all"].(bool)
	folder, _ := args["folder"].(string)

	original, err := et.Mail.ReadMessage(ctx, folder, uint32(uid))
	if err != nil {
		return "", fmt.Errorf("read message: %w", err)
	}

	to, cc := replyRecipients(original, et.DefaultFrom, replyAll)
	if len(to) == 0 {
		return "", fmt.Errorf("message UID %d carries no reply address", original.UID)
	}

	msg, err := ComposeMessage(ComposeOptions{
		From:       et.DefaultFrom,
		To:         to,
		Cc:         cc,
		Subject:    replySubject(original.Subject),
		Body:       body + "\n\n" + quoteOriginal(original),
		InReplyTo:  original.MessageID,
		References: threadReferences(original),
	})
	if err != nil {
		return "", fmt.Errorf("compose reply: %w", err)
	}

	if err := SendMail(ctx, et.SMTP, et.DefaultFrom, collectRecipients(to, cc), msg); err != nil {
		return "", fmt.Errorf("send mail: %w", err)
	}
	if replyAll {
		return fmt.Sprintf("Replied to all on %q.", original.Subject), nil
	}
	return fmt.Sprintf("Replied to %s.", to[0]), nil
}

func (et *EmailTools) handleForwardEmail(ctx context.Context, args map[string]any) (string, error) {
	uid, ok := args["uid"].(float64)
	if !ok || uid <= 0 {
		return "", fmt.Errorf("uid is required")
	}
	to := stringSlice(args["to"])
	if len(to) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}
	note, _ := args["body"].(string)
	folder, _ := args["folder"].(string)

	original, err := et.Mail.ReadMessage(ctx, folder, uint32(uid))
	if err != nil {
		return "", fmt.Errorf("read message: %w", err)
	}

	body := forwardBlock(original)
	if note != "" {
		body = note + "\n\n" + body
	}

	msg, err := ComposeMessage(ComposeOptions{
		From:       et.DefaultFrom,
		To:         to,
		Subject:    forwardSubject(original.Subject),
		Body:       body,
		References: threadReferences(original),
	})
	if err != nil {
		return "", fmt.Errorf("compose forward: %w", err)
	}

	if err := SendMail(ctx, et.SMTP, et.DefaultFrom, collectRecipients(to), msg); err != nil {
		return "", fmt.Errorf("send mail: %w", err)
	}
	return fmt.Sprintf("Forwarded %q to %s.", original.Subject, strings.Join(to, ", ")), nil
}

// replySubject prefixes Re: unless the subject already carries one.
func replySubject(s string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "re:") {
		return s
	}
	return "Re: " + s
}

// forwardSubject prefixes Fwd: unless the subject already carries a
// forward marker.
func forwardSubject(s string) string {
	lower := strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(lower, "fwd:") || strings.HasPrefix(lower, "fw:") {
		return s
	}
	return "Fwd: " + s
}

// replyRecipients picks the addresses for a reply. The To line is the
// original's Reply-To (or From). With replyAll, everyone on the
// original To and Cc lines comes along as Cc, minus the replier and
// the primary recipient.
func replyRecipients(msg *Message, self string, replyAll bool) (to, cc []string) {
	primary := msg.ReplyTo
	if primary == "" {
		primary = msg.From
	}
	if primary == "" {
		return nil, nil
	}
	to = []string{primary}
	if !replyAll {
		return to, nil
	}

	skip := map[string]bool{
		strings.ToLower(extractAddress(self)):    true,
		strings.ToLower(extractAddress(primary)): true,
	}
	for _, addr := range append(append([]string{}, msg.To...), msg.Cc...) {
		bare := strings.ToLower(extractAddress(addr))
		if bare == "" || skip[bare] {
			continue
		}
		skip[bare] = true
		cc = append(cc, addr)
	}
	return to, cc
}

// threadReferences builds the References chain for a reply or forward:
// the original's chain with its own Message-ID appended.
func threadReferences(msg *Message) []string {
	refs := append([]string{}, msg.References...)
	if len(refs) == 0 {
		refs = append(refs, msg.InReplyTo...)
	}
	if msg.MessageID != "" {
		refs = append(refs, msg.MessageID)
	}
	return refs
}

// quoteOriginal renders the original message as a markdown quote block
// under an attribution line.
func quoteOriginal(msg *Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "On %s, %s wrote:\n", msg.Date.Format("Mon, 2 Jan 2006 15:04"), msg.From)
	body := msg.TextBody
	if body == "" {
		body = "[original message had no text body]"
	}
	for _, line := range strings.Split(body, "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// forwardBlock renders the original message under a forwarded-message
// header the way mail clients conventionally do.
func forwardBlock(msg *Message) string {
	var b strings.Builder
	b.WriteString("---------- Forwarded message ----------\n")
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "Date: %s\n", msg.Date.Format("Mon, 2 Jan 2006 15:04"))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	b.WriteString("\n")
	body := msg.TextBody
	if body == "" {
		body = "[original message had no text body]"
	}
	b.WriteString(body)
	return b.String()
}

// formatMessageDetail renders a full message as readable text.
func formatMessageDetail(msg *Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "UID: %d\n", msg.UID)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&b, "Date: %s\n", msg.Date.Format("Mon, 2 Jan 2006 15:04"))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	if len(msg.Attachments) > 0 {
		b.WriteString("Attachments:\n")
		for i, att := range msg.Attachments {
			fmt.Fprintf(&b, "  %d. %s (%.1f KB)\n", i+1, att.Filename, float64(att.Size)/1024)
		}
	}
	b.WriteString("\n")
	body := msg.TextBody
	if body == "" && msg.HTMLBody != "" {
		body = "[HTML-only message; no plain text part]"
	}
	if body == "" {
		body = "[no text body]"
	}
	b.WriteString(body)
	return b.String()
}

// formatEnvelopes renders message summaries as one line per message.
func formatEnvelopes(msgs []Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d message(s):\n", len(msgs))
	for _, m := range msgs {
		unread := ""
		if !hasFlag(m.Flags, "\\Seen") {
			unread = " [unread]"
		}
		fmt.Fprintf(&b, "- [%d] %s | %s | %s%s\n",
			m.UID, m.Date.Format("2006-01-02 15:04"), m.From, m.Subject, unread)
	}
	return strings.TrimRight(b.String(), "\n")
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// stringSlice coerces a JSON array argument into []string, skipping
// non-string elements.
func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
