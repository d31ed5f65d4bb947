package logging

import (
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
)

const redacted = "[redacted]"

// New returns a minimal structured logger with secret redaction.
func New() *slog.Logger {
	return NewWithLevel(os.Getenv("LOG_LEVEL"))
}

// NewWithLevel is New at the given level name. Unknown names fall back to
// info.
func NewWithLevel(level string) *slog.Logger {
	return slog.New(newHandler(os.Stdout, ParseLevel(level)))
}

// ParseLevel maps debug, info, warn/warning and error to slog levels.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch {
			case isSecretKey(a.Key):
				a.Value = slog.StringValue(redacted)
			case isURLKey(a.Key) && a.Value.Kind() == slog.KindString:
				a.Value = slog.StringValue(ScrubURL(a.Value.String()))
			}
			return a
		},
	})
}

// For returns the logger a listener writes through.
func For(log *slog.Logger, network, chain string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With("network", network, "chain", chain)
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	return strings.Contains(k, "token") || strings.Contains(k, "secret") || strings.Contains(k, "key") || strings.Contains(k, "pass")
}

func isURLKey(k string) bool {
	k = strings.ToLower(k)
	return strings.Contains(k, "url") || k == "endpoint"
}

// ScrubURL hides the password and query values of an RPC or webhook URL.
// Strings that do not parse are returned unchanged.
func ScrubURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			q.Set(k, redacted)
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}
