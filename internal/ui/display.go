package ui

import "time"

// Message is one chat line ready for rendering, after any transport
// decryption has already happened.
type Message struct {
	From    string    `json:"from"`
	Channel string    `json:"channel,omitempty"`
	Text    string    `json:"text"`
	Kind    string    `json:"kind"` // "dm", "public" or "file"
	Time    time.Time `json:"time"`
}

// Presence describes a user somewhere on the mesh so each surface can
// render the roster.
type Presence struct {
	UserID string `json:"user_id"`
	Server string `json:"server"`
	Online bool   `json:"online"`
}

// Sink is the unified interface every display surface must satisfy.
type Sink interface {
	ShowMessage(Message)
	ShowSystem(string)
	UpdateRoster([]Presence)
}

type multiSink struct {
	sinks []Sink
}

// NewMultiSink fans chat events out to each registered sink.
func NewMultiSink(sinks ...Sink) Sink {
	return &multiSink{sinks: sinks}
}

func (m *multiSink) ShowMessage(msg Message) {
	for _, sink := range m.sinks {
		if sink != nil {
			sink.ShowMessage(msg)
		}
	}
}

func (m *multiSink) ShowSystem(text string) {
	for _, sink := range m.sinks {
		if sink != nil {
			sink.ShowSystem(text)
		}
	}
}

func (m *multiSink) UpdateRoster(users []Presence) {
	for _, sink := range m.sinks {
		if sink != nil {
			sink.UpdateRoster(users)
		}
	}
}
