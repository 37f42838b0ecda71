package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

type pionPeer struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	onFailure func(error)
	closing   bool
	failOnce  sync.Once
}

// NewPionPeer creates a pion peer connection that offers PCMU ahead of Opus,
// so the assistant's audio can be played back with a mu-law decoder.
func NewPionPeer() (Peer, error) {
	m := &webrtc.MediaEngine{}
	for _, codec := range []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1},
			PayloadType:        0,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
			PayloadType:        111,
		},
	} {
		if err := m.RegisterCodec(codec, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", codec.MimeType, err)
		}
	}

	pc, err := webrtc.NewAPI(webrtc.WithMediaEngine(m)).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &pionPeer{pc: pc}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.fail(fmt.Errorf("peer connection %s", state.String()))
		}
	})
	return p, nil
}

func (p *pionPeer) fail(err error) {
	p.mu.Lock()
	fn, closing := p.onFailure, p.closing
	p.mu.Unlock()
	if closing || fn == nil {
		return
	}
	p.failOnce.Do(func() { fn(err) })
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	// Drain RTCP so the sender does not stall.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) CreateChannel(label string) (Channel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return &pionChannel{dc: dc}, nil
}

func (p *pionPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("local description missing after gathering")
	}
	return local.SDP, nil
}

func (p *pionPeer) SetAnswer(sdp string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *pionPeer) OnTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(&pionTrack{track: track})
	})
}

func (p *pionPeer) OnFailure(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFailure = fn
}

func (p *pionPeer) Close() error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	return p.pc.Close()
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) OnOpen(fn func()) { c.dc.OnOpen(fn) }

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Frames are queued past the callback, so they must not alias the
		// transport's buffer.
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		fn(data)
	})
}

func (c *pionChannel) OnClose(fn func()) { c.dc.OnClose(fn) }

func (c *pionChannel) SendText(text string) error { return c.dc.SendText(text) }

func (c *pionChannel) Close() error { return c.dc.Close() }

type pionTrack struct {
	track *webrtc.TrackRemote
}

func (t *pionTrack) Read(p []byte) (int, error) {
	pkt, _, err := t.track.ReadRTP()
	if err != nil {
		return 0, err
	}
	if len(pkt.Payload) > len(p) {
		return 0, io.ErrShortBuffer
	}
	return copy(p, pkt.Payload), nil
}

func (t *pionTrack) ID() string { return t.track.ID() }

func (t *pionTrack) MimeType() string { return t.track.Codec().MimeType }
