// Package outbox persists digest delivery records to disk. A record is a
// markdown file capturing the body handed off to a delivery channel; failures
// here never fail the chat turn that produced the digest.
package outbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"braindrive/pkg/clock"
	"braindrive/pkg/logx"
)

// Delivery record statuses.
const (
	StatusPersisted = "persisted"
	StatusSkipped   = "skipped"
)

// Record is the result of a persistence attempt.
type Record struct {
	Status string
	Path   string
	Err    error
}

// Outbox writes delivery records under a root directory, one subdirectory
// per conversation type.
type Outbox struct {
	root   string
	clk    clock.Clock
	logger *logx.Logger
}

// New creates an Outbox rooted at dir. An empty dir disables persistence;
// every Persist call then reports skipped.
func New(dir string, clk clock.Clock) *Outbox {
	return &Outbox{root: dir, clk: clk, logger: logx.NewLogger("outbox")}
}

// Persist writes the digest body as a markdown record and returns where it
// landed. Errors are carried in the record, not returned, because delivery
// bookkeeping must not fail the turn.
func (o *Outbox) Persist(conversationType, conversationID, channel, body string) Record {
	if o.root == "" {
		return Record{Status: StatusSkipped}
	}

	dir := filepath.Join(o.root, sanitize(conversationType))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.logger.Warn("Failed to create delivery record dir %s: %v", dir, err)
		return Record{Status: StatusSkipped, Err: err}
	}

	name := fmt.Sprintf("%s-%s.md", o.clk.Now().Format("2006-01-02"), sanitize(conversationID))
	path := filepath.Join(dir, name)

	content := fmt.Sprintf("---\nchannel: %s\nconversation: %s\ngenerated: %s\n---\n\n%s\n",
		channel, conversationID, o.clk.Now().Format("2006-01-02T15:04:05Z"), body)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		o.logger.Warn("Failed to write delivery record %s: %v", path, err)
		return Record{Status: StatusSkipped, Err: err}
	}

	o.logger.Info("📬 Delivery record written: %s", path)
	return Record{Status: StatusPersisted, Path: path}
}

func sanitize(s string) string {
	replacer := strings.NewReplacer("/", "-", "\\", "-", "..", "-", " ", "-")
	out := replacer.Replace(s)
	if out == "" {
		out = "unknown"
	}
	return out
}
