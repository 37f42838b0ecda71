package rtc

import (
	"io"
	"log/slog"
)

// DiscardTracks drains remote tracks so the transport keeps flowing when
// nothing plays the audio back.
var DiscardTracks TrackSink = TrackSinkFunc(func(track RemoteTrack) {
	slog.Info("remote track received", "id", track.ID(), "codec", track.MimeType())
	go func() {
		n, err := io.Copy(io.Discard, track)
		slog.Debug("remote track ended", "id", track.ID(), "bytes", n, "error", err)
	}()
})
