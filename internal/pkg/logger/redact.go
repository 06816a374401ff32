package logger

import "strings"

// RedactPhone masks a phone number for safe logging.
// "+998901234567" → "+99***67"
// Numbers too short to keep anything meaningful are fully masked: "***"
func RedactPhone(phone string) string {
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) < 7 {
		return "***"
	}
	masked := digits[:2] + "***" + digits[len(digits)-2:]
	if strings.HasPrefix(phone, "+") {
		return "+" + masked
	}
	return masked
}

// RedactSecret fully masks a value that must never appear in logs
// (session strings, auth codes, passwords, tokens).
func RedactSecret(string) string {
	return "***"
}
