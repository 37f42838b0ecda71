// Package transcript reconstructs the user and assistant transcripts from
// streamed speech fragments and tags their lines with topics.
package transcript

import (
	"slices"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Roles lists every role in display order.
var Roles = []Role{RoleUser, RoleAssistant}

// Line is one transcript entry. Text is fixed once Live is false; Topics may
// still change afterwards.
type Line struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Text        string    `json:"text"`
	Topics      []string  `json:"topics,omitempty"`
	Provisional bool      `json:"provisional"`
	Live        bool      `json:"live"`
	StartedAt   time.Time `json:"started_at"`
	FinalizedAt time.Time `json:"finalized_at,omitzero"`
}

func (l Line) clone() Line {
	l.Topics = slices.Clone(l.Topics)
	return l
}

// Renderer displays lines. RenderLine is called with a snapshot every time a
// line's text, liveness or topics change, in the order the changes happened.
// Implementations must not call back into the Aggregator.
type Renderer interface {
	RenderLine(line Line)
}

type RendererFunc func(line Line)

func (f RendererFunc) RenderLine(line Line) { f(line) }

// MultiRenderer fans a render out to several renderers.
type MultiRenderer []Renderer

func (m MultiRenderer) RenderLine(line Line) {
	for _, r := range m {
		if r != nil {
			r.RenderLine(line.clone())
		}
	}
}

// Tagger is told about live renders and finalizations so it can attach topics.
type Tagger interface {
	Observe(line Line)
	Finalized(line Line)
}
