package logger

import "testing"

func TestRedactPhone(t *testing.T) {
	tests := []struct {
		phone string
		want  string
	}{
		{"+998901234567", "+99***67"},
		{"15551234567", "15***67"},
		{"+1234", "***"},
		{"", "***"},
	}
	for _, tt := range tests {
		if got := RedactPhone(tt.phone); got != tt.want {
			t.Errorf("RedactPhone(%q) = %q, want %q", tt.phone, got, tt.want)
		}
	}
}

func TestRedactSecret(t *testing.T) {
	if got := RedactSecret("1A2b3C-session-blob"); got != "***" {
		t.Errorf("RedactSecret() = %q, want full mask", got)
	}
}

func TestRedactPIIValue(t *testing.T) {
	if got := redactPIIValue("session_string", "blob"); got != "***" {
		t.Errorf("session field = %q, want ***", got)
	}
	if got := redactPIIValue("phone", "+998901234567"); got != "+99***67" {
		t.Errorf("phone field = %q, want masked", got)
	}
	if got := redactPIIValue("note", "call +998901234567 now"); got != "call +99***67 now" {
		t.Errorf("embedded phone = %q, want masked in place", got)
	}
}
