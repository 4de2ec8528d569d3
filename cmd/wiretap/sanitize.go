package main

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

const contentLength = "Content-Length: "

var (
	ipPattern     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	phonePattern  = regexp.MustCompile(`\+?\b1?\d{10,}\b`)
	secretPattern = regexp.MustCompile(`("[^"]*(?i:password|secret|token)[^"]*"\s*:\s*")[^"]*"`)
	callerPattern = regexp.MustCompile(`("[^"]*(?i:caller-id-number|caller_id_number|ani|from_user|to_user|destination-number)[^"]*"\s*:\s*")([^"]*)"`)
)

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	return os.WriteFile(path, []byte(sanitize(string(data))), 0o644)
}

// sanitize redacts every event body and fixes up its Content-Length.
func sanitize(capture string) string {
	parts := strings.Split(capture, contentLength)
	var b strings.Builder
	b.WriteString(parts[0])
	for _, part := range parts[1:] {
		sep := strings.Index(part, "\n\n")
		eol := strings.IndexByte(part, '\n')
		if sep < 0 || eol < 0 {
			b.WriteString(contentLength + part)
			continue
		}
		headers := part[eol:sep]
		body := redact(part[sep+2:])
		b.WriteString(contentLength + strconv.Itoa(len(body)) + headers + "\n\n" + body)
	}
	return b.String()
}

func redact(body string) string {
	body = secretPattern.ReplaceAllString(body, `${1}REDACTED"`)

	// Localhost stays recognisable.
	body = ipPattern.ReplaceAllStringFunc(body, func(ip string) string {
		if ip == "127.0.0.1" {
			return ip
		}
		return "10.0.0.1"
	})

	return callerPattern.ReplaceAllStringFunc(body, func(field string) string {
		return phonePattern.ReplaceAllString(field, "15550001234")
	})
}
