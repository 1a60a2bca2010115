package agenttools

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"
)

func TestComposeMessage_RoundTrip(t *testing.T) {
	msg, err := ComposeMessage(ComposeOptions{
		From:    "Gateway Agent <agent@example.com>",
		To:      []string{"alice@example.com", "Bob <bob@example.com>"},
		Cc:      []string{"cc@example.com"},
		Subject: "Status report",
		Body:    "All systems nominal.\n",
	})
	if err != nil {
		t.Fatalf("ComposeMessage() error: %v", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(msg))
	if err != nil {
		t.Fatalf("CreateReader() error: %v", err)
	}

	subject, err := mr.Header.Subject()
	if err != nil || subject != "Status report" {
		t.Errorf("Subject = %q (err %v), want %q", subject, err, "Status report")
	}

	from, err := mr.Header.AddressList("From")
	if err != nil || len(from) != 1 || from[0].Address != "agent@example.com" {
		t.Errorf("From = %v (err %v), want agent@example.com", from, err)
	}

	to, err := mr.Header.AddressList("To")
	if err != nil || len(to) != 2 {
		t.Fatalf("To = %v (err %v), want 2 addresses", to, err)
	}
	if to[1].Name != "Bob" || to[1].Address != "bob@example.com" {
		t.Errorf("To[1] = %v, want Bob <bob@example.com>", to[1])
	}

	cc, err := mr.Header.AddressList("Cc")
	if err != nil || len(cc) != 1 || cc[0].Address != "cc@example.com" {
		t.Errorf("Cc = %v (err %v), want cc@example.com", cc, err)
	}

	if id, err := mr.Header.MessageID(); err != nil || id == "" {
		t.Errorf("MessageID = %q (err %v), want non-empty", id, err)
	}

	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart() error: %v", err)
	}
	ct, _, err := part.Header.(*mail.InlineHeader).ContentType()
	if err != nil || ct != "text/plain" {
		t.Errorf("ContentType = %q (err %v), want text/plain", ct, err)
	}
	body, err := io.ReadAll(part.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "All systems nominal.") {
		t.Errorf("body = %q, want to contain the message text", body)
	}

	htmlPart, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart() for html error: %v", err)
	}
	ct, _, err = htmlPart.Header.(*mail.InlineHeader).ContentType()
	if err != nil || ct != "text/html" {
		t.Errorf("second part ContentType = %q (err %v), want text/html", ct, err)
	}
	htmlBody, err := io.ReadAll(htmlPart.Body)
	if err != nil {
		t.Fatalf("read html body: %v", err)
	}
	if !strings.Contains(string(htmlBody), "All systems nominal.") {
		t.Errorf("html body = %q, want to contain the message text", htmlBody)
	}
}

func TestComposeMessage_MarkdownBody(t *testing.T) {
	msg, err := ComposeMessage(ComposeOptions{
		From:    "agent@example.com",
		To:      []string{"alice@example.com"},
		Subject: "formatted",
		Body:    "Results are **good**, see [the dashboard](https://grafana.local).",
	})
	if err != nil {
		t.Fatalf("ComposeMessage() error: %v", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(msg))
	if err != nil {
		t.Fatalf("CreateReader() error: %v", err)
	}

	plainPart, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart() error: %v", err)
	}
	plain, _ := io.ReadAll(plainPart.Body)
	if strings.Contains(string(plain), "**") {
		t.Errorf("plain part still carries markdown markers: %q", plain)
	}
	if !strings.Contains(string(plain), "the dashboard (https://grafana.local)") {
		t.Errorf("plain part = %q, want link flattened to text (url)", plain)
	}

	htmlPart, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart() for html error: %v", err)
	}
	html, _ := io.ReadAll(htmlPart.Body)
	if !strings.Contains(string(html), "<strong>good</strong>") {
		t.Errorf("html part = %q, want bold rendered as <strong>", html)
	}
	if !strings.Contains(string(html), `<a href="https://grafana.local">`) {
		t.Errorf("html part = %q, want link rendered as <a>", html)
	}
}

func TestComposeMessage_ThreadingHeaders(t *testing.T) {
	msg, err := ComposeMessage(ComposeOptions{
		From:       "agent@example.com",
		To:         []string{"alice@example.com"},
		Subject:    "Re: status",
		Body:       "ack",
		InReplyTo:  "parent@example.com",
		References: []string{"root@example.com", "parent@example.com"},
	})
	if err != nil {
		t.Fatalf("ComposeMessage() error: %v", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(msg))
	if err != nil {
		t.Fatalf("CreateReader() error: %v", err)
	}

	irt, err := mr.Header.MsgIDList("In-Reply-To")
	if err != nil || len(irt) != 1 || irt[0] != "parent@example.com" {
		t.Errorf("In-Reply-To = %v (err %v), want parent@example.com", irt, err)
	}
	refs, err := mr.Header.MsgIDList("References")
	if err != nil || len(refs) != 2 || refs[1] != "parent@example.com" {
		t.Errorf("References = %v (err %v), want two-id chain", refs, err)
	}
}

func TestComposeMessage_InvalidFrom(t *testing.T) {
	_, err := ComposeMessage(ComposeOptions{
		From:    "not an address",
		To:      []string{"alice@example.com"},
		Subject: "x",
		Body:    "x",
	})
	if err == nil {
		t.Fatal("expected error for invalid from address")
	}
}

func TestComposeMessage_NoCcHeader(t *testing.T) {
	msg, err := ComposeMessage(ComposeOptions{
		From:    "agent@example.com",
		To:      []string{"alice@example.com"},
		Subject: "no cc",
		Body:    "hi",
	})
	if err != nil {
		t.Fatalf("ComposeMessage() error: %v", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(msg))
	if err != nil {
		t.Fatalf("CreateReader() error: %v", err)
	}
	if mr.Header.Has("Cc") {
		t.Error("message should not carry a Cc header when none was given")
	}
}
