package ari

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event types the engine reacts to.
const (
	EventStasisStart        = "StasisStart"
	EventStasisEnd          = "StasisEnd"
	EventChannelStateChange = "ChannelStateChange"
	EventPlaybackStarted    = "PlaybackStarted"
	EventPlaybackFinished   = "PlaybackFinished"
	EventRecordingStarted   = "RecordingStarted"
	EventRecordingFinished  = "RecordingFinished"
)

type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

type Channel struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	State  string   `json:"state"`
	Caller CallerID `json:"caller"`
}

type Playback struct {
	ID        string `json:"id"`
	MediaURI  string `json:"media_uri"`
	TargetURI string `json:"target_uri"`
	State     string `json:"state"`
}

// TargetsChannel reports whether the playback runs on the given channel.
func (p Playback) TargetsChannel(channelID string) bool {
	return channelID != "" && strings.HasSuffix(p.TargetURI, channelID)
}

type LiveRecording struct {
	Name      string `json:"name"`
	Format    string `json:"format"`
	State     string `json:"state"`
	TargetURI string `json:"target_uri"`
	Duration  int    `json:"duration"`
}

// Event is a decoded message from the event stream.
type Event struct {
	Type        string         `json:"type"`
	Timestamp   string         `json:"timestamp"`
	Application string         `json:"application"`
	Args        []string       `json:"args"`
	Channel     *Channel       `json:"channel,omitempty"`
	Playback    *Playback      `json:"playback,omitempty"`
	Recording   *LiveRecording `json:"recording,omitempty"`
}

// ChannelID returns the channel id carried by the event, if any.
func (e Event) ChannelID() string {
	if e.Channel == nil {
		return ""
	}
	return e.Channel.ID
}

// Arg returns the positional argument at i or fallback when absent or blank.
func (e Event) Arg(i int, fallback string) string {
	if i < 0 || i >= len(e.Args) {
		return fallback
	}
	v := strings.TrimSpace(e.Args[i])
	if v == "" {
		return fallback
	}
	return v
}

// ParseEvent decodes one event stream message.
func ParseEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if evt.Type == "" {
		return Event{}, fmt.Errorf("decode event: missing type")
	}
	return evt, nil
}
