package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"sheetmail/delivery"
	"sheetmail/internal/dkim"
)

// Spool writes composed messages as .eml files, one directory per day.
type Spool struct {
	dir string
	now func() time.Time
}

// NewSpool returns a spool rooted at dir. The directory is created on the
// first write.
func NewSpool(dir string) (*Spool, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("spool directory is required")
	}
	return &Spool{dir: dir, now: time.Now}, nil
}

// Dir is the spool root.
func (s *Spool) Dir() string { return s.dir }

// Save stores data and returns the written path.
func (s *Spool) Save(id string, recipients []string, data []byte) (string, error) {
	safeID, err := sanitizeComponent(id)
	if err != nil {
		return "", err
	}
	recipientToken := hashRecipients(recipients)

	dir := filepath.Join(s.dir, s.now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	filename := filepath.Join(dir, fmt.Sprintf("%s_%s.eml", safeID, recipientToken))
	return filename, os.WriteFile(filename, data, 0o600)
}

func sanitizeComponent(v string) (string, error) {
	if strings.ContainsAny(v, "/\\") || strings.Contains(v, "..") {
		return "", errors.New("invalid identifier")
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.New("empty identifier")
	}
	return v, nil
}

func hashRecipients(addrs []string) string {
	h := sha256.New()
	for _, addr := range addrs {
		h.Write([]byte(strings.ToLower(strings.TrimSpace(addr))))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// SpoolTransport is a delivery.Transport that composes messages exactly as
// a live session would and writes them to a Spool instead of the network.
type SpoolTransport struct {
	spool     *Spool
	from      string
	signer    *dkim.Signer
	connected bool
}

// NewSpoolTransport spools messages sent as from.
func NewSpoolTransport(spool *Spool, from string, signer *dkim.Signer) *SpoolTransport {
	return &SpoolTransport{spool: spool, from: from, signer: signer}
}

func (t *SpoolTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.connected = true
	return nil
}

func (t *SpoolTransport) Send(ctx context.Context, msg delivery.Message) error {
	data, err := delivery.Compose(t.from, msg, t.spool.now())
	if err != nil {
		return err
	}
	if data, err = t.signer.Sign(data, t.from); err != nil {
		return &delivery.Error{Kind: delivery.KindUnknown, Op: "compose", Err: err}
	}
	if _, err := t.spool.Save(uuid.NewString(), msg.Recipients, data); err != nil {
		return &delivery.Error{Kind: delivery.KindUnknown, Op: "spool", Err: err}
	}
	return nil
}

func (t *SpoolTransport) Close() { t.connected = false }

func (t *SpoolTransport) Connected() bool { return t.connected }
