package email

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

type captured struct {
	addr string
	from string
	to   []string
	msg  string
}

func newCapturingService(config Config) (*Service, *captured) {
	svc := NewService(config)
	got := &captured{}
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		got.addr, got.from, got.to, got.msg = addr, from, to, string(msg)
		return nil
	}
	return svc, got
}

func TestSendShareNotification(t *testing.T) {
	svc, got := newCapturingService(Config{
		Host:     "smtp.example.com",
		Port:     "2525",
		From:     "noreply@example.com",
		FromName: "Docs",
		AppURL:   "https://docs.example.com/",
	})

	err := svc.SendShareNotification("bob@example.com", ShareData{
		RecipientName: "Bob",
		OwnerName:     "Alice",
		DocumentTitle: "Q3 <plan>",
		DocumentID:    "doc-42",
		Level:         "edit",
	})
	if err != nil {
		t.Fatalf("SendShareNotification() error = %v", err)
	}

	if got.addr != "smtp.example.com:2525" || got.from != "noreply@example.com" {
		t.Fatalf("unexpected envelope: addr=%s from=%s", got.addr, got.from)
	}
	if len(got.to) != 1 || got.to[0] != "bob@example.com" {
		t.Fatalf("unexpected recipients: %v", got.to)
	}
	for _, want := range []string{
		"From: Docs <noreply@example.com>",
		`Subject: Alice shared "Q3 <plan>" with you`,
		"https://docs.example.com/documents/doc-42",
		"edit access",
		"Q3 &lt;plan&gt;",
	} {
		if !strings.Contains(got.msg, want) {
			t.Errorf("message should contain %q", want)
		}
	}
}

func TestSendShareNotificationDefaults(t *testing.T) {
	svc, got := newCapturingService(Config{Host: "smtp.example.com", Port: "25", From: "noreply@example.com"})

	if err := svc.SendShareNotification("bob@example.com", ShareData{OwnerName: "Alice", DocumentID: "doc-1", Level: "view"}); err != nil {
		t.Fatalf("SendShareNotification() error = %v", err)
	}
	if !strings.Contains(got.msg, "Untitled document") || !strings.Contains(got.msg, "view access") {
		t.Fatalf("expected untitled view notice, got %s", got.msg)
	}
	if !strings.Contains(got.msg, "From: noreply@example.com\r\n") {
		t.Fatal("expected bare from address without a display name")
	}
}

func TestSendShareNotificationErrors(t *testing.T) {
	if err := NewService(Config{}).SendShareNotification("bob@example.com", ShareData{}); err == nil {
		t.Fatal("expected error when email is not configured")
	}

	svc := NewService(Config{Host: "smtp.example.com", Port: "25", From: "noreply@example.com"})
	svc.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}
	if err := svc.SendShareNotification("bob@example.com", ShareData{DocumentID: "doc-1"}); err == nil {
		t.Fatal("expected transport error to be returned")
	}
}
