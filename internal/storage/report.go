package storage

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// WriteDiagnosticsReport writes a markdown summary of protocol coverage gaps
// and recent sessions to w.
func (s *SQLiteStore) WriteDiagnosticsReport(w io.Writer) error {
	events, err := s.UnrecognizedEvents()
	if err != nil {
		return err
	}
	sessions, err := s.RecentSessions(20)
	if err != nil {
		return err
	}
	remote, err := s.RemoteErrors(20)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Ghost Voice diagnostics\n\nGenerated %s\n\n", s.now().UTC().Format(time.RFC3339))

	b.WriteString("## Unrecognized content events\n\n")
	if len(events) == 0 {
		b.WriteString("None recorded.\n")
	}
	for _, ev := range events {
		fmt.Fprintf(&b, "- `%s` seen %d times, last %s (session %s)\n", ev.Type, ev.Count, ev.LastSeen.Format(time.RFC3339), ev.LastSession)
		fmt.Fprintf(&b, "  ```json\n  %s\n  ```\n", strings.ReplaceAll(ev.Sample, "\n", " "))
	}

	b.WriteString("\n## Recent sessions\n\n")
	if len(sessions) == 0 {
		b.WriteString("None recorded.\n")
	}
	for _, sess := range sessions {
		line := fmt.Sprintf("- %s %s `%s`", sess.StartedAt.Format(time.RFC3339), sess.ID, sess.State)
		if sess.Model != "" {
			line += " " + sess.Model
		}
		if sess.Error != "" {
			line += ": " + sess.Error
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n## Remote errors\n\n")
	if len(remote) == 0 {
		b.WriteString("None recorded.\n")
	}
	for _, re := range remote {
		fmt.Fprintf(&b, "- %s %s: %s\n", re.At.Format(time.RFC3339), re.SessionID, re.Message)
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write diagnostics report: %w", err)
	}
	return nil
}
