// Package gdrive exports the diagnostics report to a Google Drive folder.
package gdrive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// ReportSource renders the document to upload.
type ReportSource interface {
	WriteDiagnosticsReport(w io.Writer) error
}

// files is the slice of the Drive API the syncer needs.
type files interface {
	create(ctx context.Context, name, folderID string, media io.Reader) (string, error)
	update(ctx context.Context, fileID string, media io.Reader) error
}

type driveFiles struct {
	service *drive.Service
}

func (d driveFiles) create(ctx context.Context, name, folderID string, media io.Reader) (string, error) {
	doc, err := d.service.Files.Create(&drive.File{
		Name:     name,
		MimeType: "application/vnd.google-apps.document",
		Parents:  []string{folderID},
	}).Media(media).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return doc.Id, nil
}

func (d driveFiles) update(ctx context.Context, fileID string, media io.Reader) error {
	_, err := d.service.Files.Update(fileID, &drive.File{}).Media(media).Context(ctx).Do()
	return err
}

// Syncer keeps one Drive document per UTC day and overwrites it on every sync.
type Syncer struct {
	files    files
	source   ReportSource
	folderID string
	fileIDs  map[string]string
	now      func() time.Time
	mu       sync.Mutex
}

func NewSyncer(ctx context.Context, credPath, folderID string, source ReportSource) (*Syncer, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithCredentials(config))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return newSyncer(driveFiles{service: svc}, folderID, source), nil
}

func newSyncer(f files, folderID string, source ReportSource) *Syncer {
	return &Syncer{
		files:    f,
		source:   source,
		folderID: folderID,
		fileIDs:  make(map[string]string),
		now:      time.Now,
	}
}

// Sync renders the report and uploads it as today's document.
func (s *Syncer) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	if err := s.source.WriteDiagnosticsReport(&buf); err != nil {
		return fmt.Errorf("render diagnostics report: %w", err)
	}

	date := s.now().UTC().Format("2006-01-02")
	if fileID, ok := s.fileIDs[date]; ok {
		if err := s.files.update(ctx, fileID, &buf); err != nil {
			return fmt.Errorf("drive update: %w", err)
		}
		return nil
	}

	id, err := s.files.create(ctx, "ghost-voice-diagnostics-"+date, s.folderID, &buf)
	if err != nil {
		return fmt.Errorf("drive create: %w", err)
	}

	s.fileIDs[date] = id
	return nil
}

// Run syncs every interval until ctx is done, and once more on the way out.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.Sync(final); err != nil {
				slog.Warn("final gdrive sync failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				slog.Warn("gdrive sync failed", "error", err)
			}
		}
	}
}
