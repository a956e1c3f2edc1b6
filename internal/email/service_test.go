package email

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"
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
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
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

func TestRenderInviteTemplate(t *testing.T) {
	data := InviteData{
		AppName:       "FormPilot",
		To:            "sam@example.com",
		WorkspaceName: "Acme Research",
		InviterName:   "Jordan",
		Role:          "editor",
		AcceptURL:     "https://example.com/invites/accept?token=abc123",
		ExpiresAt:     time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC),
	}

	html, err := renderTemplate(inviteTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	for _, want := range []string{"FormPilot", "Acme Research", "Jordan", "editor", "token=abc123", "March 9, 2026", "sam@example.com"} {
		if !strings.Contains(html, want) {
			t.Errorf("template should contain %q", want)
		}
	}
}

func TestRenderInviteTemplateWithoutInviter(t *testing.T) {
	html, err := renderTemplate(inviteTemplate, InviteData{WorkspaceName: "Acme"})
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}
	if !strings.Contains(html, "A teammate") {
		t.Error("template should fall back to a generic inviter")
	}
}

func TestSendInviteNotConfigured(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.SendInvite(InviteData{To: "sam@example.com"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("SendInvite() error = %v, want ErrNotConfigured", err)
	}
}

func TestSendInviteBuildsMultipartMessage(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "2525", From: "noreply@example.com", FromName: "FormPilot"})

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotTo = to
		gotMsg = string(msg)
		return nil
	}

	err := svc.SendInvite(InviteData{
		To:            "sam@example.com",
		WorkspaceName: "Acme",
		InviterName:   "Jordan",
		Role:          "viewer",
		AcceptURL:     "https://example.com/accept",
		ExpiresAt:     time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("SendInvite() error = %v", err)
	}

	if gotAddr != "smtp.example.com:2525" {
		t.Errorf("addr = %q", gotAddr)
	}
	if len(gotTo) != 1 || gotTo[0] != "sam@example.com" {
		t.Errorf("to = %v", gotTo)
	}
	for _, want := range []string{
		"From: FormPilot <noreply@example.com>",
		"Subject: Jordan invited you to Acme on FormPilot",
		"multipart/alternative; boundary=\"boundary-formpilot\"",
		"Content-Type: text/plain",
		"Content-Type: text/html",
		"January 2, 2026",
		"--boundary-formpilot--",
	} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendInvitePropagatesSMTPError(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "25", From: "noreply@example.com"})
	boom := errors.New("connection refused")
	svc.send = func(string, smtp.Auth, string, []string, []byte) error { return boom }

	if err := svc.SendInvite(InviteData{To: "sam@example.com"}); !errors.Is(err, boom) {
		t.Fatalf("SendInvite() error = %v, want %v", err, boom)
	}
}
