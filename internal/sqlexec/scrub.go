package sqlexec

import (
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ConnectionError hides where a datasource lives.
type ConnectionError struct {
	Msg string
	err error
}

func (e *ConnectionError) Error() string { return e.Msg }
func (e *ConnectionError) Unwrap() error { return e.err }

var (
	hostPort  = regexp.MustCompile(`\[?[0-9a-fA-F:.]+\]?:\d{2,5}`)
	hostField = regexp.MustCompile(`(?i)(host|hostaddr|server)=\S+`)
	dialPart  = regexp.MustCompile(`(?i)dial (tcp|unix)[^:]*:?`)
)

// ScrubError strips host and port details from connection failures. Errors
// reported by the server itself, such as read-only violations, keep their
// message.
func ScrubError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	msg := err.Error()
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || isConnectionMessage(msg) {
		return &ConnectionError{Msg: "cannot connect to the database: " + scrubMessage(reason(msg)), err: err}
	}
	return err
}

func isConnectionMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, s := range []string{"dial tcp", "dial unix", "connection refused", "failed to connect", "no such host", "i/o timeout"} {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

// reason keeps the last clause of a wrapped message, e.g. "connection refused".
func reason(msg string) string {
	if i := strings.LastIndex(msg, ": "); i >= 0 && i+2 < len(msg) {
		return msg[i+2:]
	}
	return msg
}

func scrubMessage(s string) string {
	s = hostField.ReplaceAllString(s, "$1=<redacted>")
	s = dialPart.ReplaceAllString(s, "")
	s = hostPort.ReplaceAllString(s, "<redacted>")
	return strings.TrimSpace(s)
}
