// Package events classifies realtime data-channel events into the handful of
// categories the transcript engine acts on.
package events

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrChannelParse marks a data-channel frame that is not a JSON object.
var ErrChannelParse = errors.New("channel parse error")

type Category int

const (
	Unrecognized Category = iota
	UserDelta
	UserFinal
	AssistantDelta
	AssistantFinal
	Error
)

func (c Category) String() string {
	switch c {
	case UserDelta:
		return "user-speech-delta"
	case UserFinal:
		return "user-speech-final"
	case AssistantDelta:
		return "assistant-speech-delta"
	case AssistantFinal:
		return "assistant-speech-final"
	case Error:
		return "error"
	default:
		return "unrecognized"
	}
}

// aliases maps every event type the realtime protocol has shipped onto the
// category it means. New spellings go here and nowhere else.
var aliases = map[string]Category{
	"conversation.item.input_audio_transcription.delta": UserDelta,
	"input_audio_transcription.delta":                   UserDelta,
	"input_audio_buffer.transcription.delta":            UserDelta,
	"transcript.delta":                                  UserDelta,

	"conversation.item.input_audio_transcription.completed": UserFinal,
	"conversation.item.input_audio_transcription.done":      UserFinal,
	"input_audio_transcription.completed":                   UserFinal,
	"transcript.completed":                                  UserFinal,

	"response.audio_transcript.delta":        AssistantDelta,
	"response.output_audio_transcript.delta": AssistantDelta,
	"response.text.delta":                    AssistantDelta,
	"response.output_text.delta":             AssistantDelta,
	"response.delta":                         AssistantDelta,

	"response.audio_transcript.done":        AssistantFinal,
	"response.output_audio_transcript.done": AssistantFinal,
	"response.text.done":                    AssistantFinal,
	"response.output_text.done":             AssistantFinal,
	"response.done":                         AssistantFinal,
	"response.completed":                    AssistantFinal,

	"error": Error,
}

// contentTypes are the output content parts that carry spoken or written text.
var contentTypes = map[string]bool{
	"audio":        true,
	"output_audio": true,
	"text":         true,
	"output_text":  true,
}

var diagnosticHints = []string{"audio", "transcript", "text"}

// Frame is one classified event.
type Frame struct {
	Category Category
	Type     string
	// Text is the delta fragment, the final transcript, or the error message,
	// depending on Category.
	Text string
	// Diagnostic is set on unrecognized events that look like they carry
	// speech or text content.
	Diagnostic bool
	Raw        []byte
}

// Lookup returns the category registered for an event type.
func Lookup(eventType string) Category {
	return aliases[eventType]
}

// Classify decodes one data-channel frame. It never mutates anything; a frame
// that fails to parse returns ErrChannelParse and should be dropped.
func Classify(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return Frame{}, fmt.Errorf("%w: invalid json", ErrChannelParse)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Frame{}, fmt.Errorf("%w: event is not an object", ErrChannelParse)
	}

	eventType := root.Get("type").String()
	frame := Frame{
		Category: aliases[eventType],
		Type:     eventType,
		Raw:      raw,
	}

	switch frame.Category {
	case UserDelta, AssistantDelta:
		frame.Text = firstString(root, "delta", "text", "transcript")
	case UserFinal:
		frame.Text = firstString(root, "transcript", "text")
	case AssistantFinal:
		frame.Text = AssistantFinalText(root)
	case Error:
		frame.Text = errorMessage(root, raw)
	default:
		frame.Diagnostic = hintsAtContent(eventType)
	}

	return frame, nil
}

// AssistantFinalText extracts the authoritative text of a completed assistant
// turn. Top-level fields win, then the nested response fields, then the first
// response output item whose audio/text content parts yield anything. Items are
// never merged with each other.
func AssistantFinalText(root gjson.Result) string {
	if text := firstString(root, "transcript", "text", "response.transcript", "response.text"); text != "" {
		return text
	}

	var found string
	root.Get("response.output").ForEach(func(_, item gjson.Result) bool {
		var parts []string
		item.Get("content").ForEach(func(_, part gjson.Result) bool {
			if !contentTypes[part.Get("type").String()] {
				return true
			}
			if text := firstString(part, "transcript", "text"); text != "" {
				parts = append(parts, text)
			}
			return true
		})
		if len(parts) == 0 {
			return true
		}
		found = strings.Join(parts, " ")
		return false
	})
	return found
}

func errorMessage(root gjson.Result, raw []byte) string {
	if msg := firstString(root, "error.message", "message"); msg != "" {
		return msg
	}
	return strings.TrimSpace(string(raw))
}

func firstString(root gjson.Result, paths ...string) string {
	for _, path := range paths {
		value := root.Get(path)
		if value.Type == gjson.String && value.Str != "" {
			return value.Str
		}
	}
	return ""
}

func hintsAtContent(eventType string) bool {
	lower := strings.ToLower(eventType)
	for _, hint := range diagnosticHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
