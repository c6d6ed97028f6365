// Package audit writes one structured log line per CLI command invocation:
// the command name, the config file source and every configuration env var,
// with secrets reduced to "set" or "unset".
package audit

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/54b3r/mailrag-go/internal/config"
)

// secretEnvKeys lists secrets that do not follow the *_API_KEY or
// *_SECRET_KEY naming.
var secretEnvKeys = map[string]bool{
	"LANGFUSE_PUBLIC_KEY":   true,
	"AWS_SECRET_ACCESS_KEY": true,
	"AWS_SESSION_TOKEN":     true,
}

// IsSecret reports whether the value of key must never be logged.
func IsSecret(key string) bool {
	return secretEnvKeys[key] ||
		strings.HasSuffix(key, "_API_KEY") ||
		strings.HasSuffix(key, "_SECRET_KEY")
}

// LogCommandStart emits the audit entry for command. Every key the config
// file can set is included, so the line shows the effective configuration.
func LogCommandStart(ctx context.Context, log *slog.Logger, command string, configPath string) {
	attrs := []slog.Attr{
		slog.String("command", command),
		slog.String("config_file", sanitiseConfigPath(configPath)),
	}
	for _, key := range config.EnvKeys() {
		attrs = append(attrs, slog.String(key, SanitiseKey(key, os.Getenv(key))))
	}
	log.LogAttrs(ctx, slog.LevelInfo, "audit: command start", attrs...)
}

// SanitiseKey returns "set" or "unset" for secret keys, or the value itself
// ("unset" when empty) for everything else.
func SanitiseKey(key, value string) string {
	if IsSecret(key) {
		return presence(value)
	}
	if value == "" {
		return "unset"
	}
	return value
}

func presence(v string) string {
	if v != "" {
		return "set"
	}
	return "unset"
}

// sanitiseConfigPath returns the config path with the home directory
// shortened to "~", or "none" if empty.
func sanitiseConfigPath(p string) string {
	if p == "" {
		return "none"
	}
	home, err := os.UserHomeDir()
	if err == nil && strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}
