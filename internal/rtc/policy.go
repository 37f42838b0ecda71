package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// EventChannelLabel is the data channel the realtime endpoint exchanges
// events on.
const EventChannelLabel = "oai-events"

const (
	vadThreshold         = 0.5
	vadSilenceDurationMS = 600
	transcriptionModel   = "whisper-1"
)

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type inputTranscription struct {
	Model string `json:"model"`
}

type sessionConfig struct {
	TurnDetection           turnDetection      `json:"turn_detection"`
	InputAudioTranscription inputTranscription `json:"input_audio_transcription"`
	Modalities              []string           `json:"modalities"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

// sessionPolicy is the one configuration event sent when the channel opens.
func sessionPolicy() sessionUpdate {
	return sessionUpdate{
		Type: "session.update",
		Session: sessionConfig{
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         vadThreshold,
				SilenceDurationMS: vadSilenceDurationMS,
			},
			InputAudioTranscription: inputTranscription{Model: transcriptionModel},
			Modalities:              []string{"text", "audio"},
		},
	}
}

// encodeEvent serialises a client event and stamps it with a fresh event_id
// unless it already has one.
func encodeEvent(event any) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	if gjson.GetBytes(data, "event_id").Exists() {
		return string(data), nil
	}
	out, err := sjson.Set(string(data), "event_id", "evt_"+uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("stamp event id: %w", err)
	}
	return out, nil
}
