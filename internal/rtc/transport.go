package rtc

import (
	"context"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/sjawhar/ghost-voice/internal/credential"
)

// Peer is the slice of a WebRTC peer connection a session drives.
type Peer interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateChannel(label string) (Channel, error)
	// CreateOffer sets the local description and returns its SDP once ICE
	// gathering is complete.
	CreateOffer(ctx context.Context) (string, error)
	SetAnswer(sdp string) error
	OnTrack(fn func(RemoteTrack))
	// OnFailure is called at most once, when the connection fails or closes
	// without being asked to.
	OnFailure(fn func(error))
	Close() error
}

// Channel is a bidirectional event channel. Callbacks may run on transport
// goroutines.
type Channel interface {
	OnOpen(fn func())
	OnMessage(fn func([]byte))
	OnClose(fn func())
	SendText(text string) error
	Close() error
}

// RemoteTrack is an inbound media track. Read returns one RTP payload per
// call.
type RemoteTrack interface {
	io.Reader
	ID() string
	MimeType() string
}

// TrackSink takes ownership of remote tracks as they arrive.
type TrackSink interface {
	HandleTrack(track RemoteTrack)
}

type TrackSinkFunc func(track RemoteTrack)

func (f TrackSinkFunc) HandleTrack(track RemoteTrack) { f(track) }

// MediaStream is captured local media. Stop releases the device.
type MediaStream interface {
	Tracks() []webrtc.TrackLocal
	Stop() error
}

type MediaSource interface {
	Capture(ctx context.Context) (MediaStream, error)
}

type MediaSourceFunc func(ctx context.Context) (MediaStream, error)

func (f MediaSourceFunc) Capture(ctx context.Context) (MediaStream, error) { return f(ctx) }

type CredentialSource interface {
	Issue(ctx context.Context) (credential.Credential, error)
}

// Answerer exchanges a local offer for the remote answer.
type Answerer interface {
	Answer(ctx context.Context, cred credential.Credential, offerSDP string) (string, error)
}

// Observer receives the status surface of a session.
type Observer interface {
	SessionStateChanged(change StateChange)
	RemoteErrorReported(err *RemoteError)
}

// MultiObserver fans out to several observers.
type MultiObserver []Observer

func (m MultiObserver) SessionStateChanged(change StateChange) {
	for _, o := range m {
		if o != nil {
			o.SessionStateChanged(change)
		}
	}
}

func (m MultiObserver) RemoteErrorReported(err *RemoteError) {
	for _, o := range m {
		if o != nil {
			o.RemoteErrorReported(err)
		}
	}
}

// DiagnosticSink keeps unrecognized events that look like they carry content.
type DiagnosticSink interface {
	RecordUnrecognized(sessionID, eventType string, raw []byte)
}
