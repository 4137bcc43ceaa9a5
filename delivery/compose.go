package delivery

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"strings"
	"time"

	"github.com/google/uuid"

	"sheetmail/internal/email"
)

// Message is the payload of one delivery.
type Message struct {
	Recipients []string
	Subject    string
	Body       string
}

// Valid reports whether the message carries everything a send needs.
func (m Message) Valid() bool {
	if len(m.Recipients) == 0 || strings.TrimSpace(m.Subject) == "" || strings.TrimSpace(m.Body) == "" {
		return false
	}
	for _, rcpt := range m.Recipients {
		if strings.TrimSpace(rcpt) == "" {
			return false
		}
	}
	return true
}

// Compose renders msg as an RFC 5322 text/plain message sent by from.
func Compose(from string, msg Message, date time.Time) ([]byte, error) {
	domain, err := email.Domain(from)
	if err != nil {
		return nil, &Error{Kind: SenderRejected, Op: "compose", Err: err}
	}

	var buf bytes.Buffer
	header := func(key, value string) {
		buf.WriteString(key)
		buf.WriteString(": ")
		buf.WriteString(sanitizeHeaderValue(value))
		buf.WriteString("\r\n")
	}
	header("From", from)
	header("To", strings.Join(msg.Recipients, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", sanitizeHeaderValue(msg.Subject)))
	header("Date", date.Format(time.RFC1123Z))
	header("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), domain))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=utf-8")
	header("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(normalizeBody(msg.Body))); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func normalizeBody(body string) string {
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.ReplaceAll(normalized, "\n", "\r\n")
}

func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	return strings.TrimSpace(clean)
}
