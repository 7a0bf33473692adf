package protocol

import "time"

// ParticipantJoined is published by chat watchers when someone enters a room.
type ParticipantJoined struct {
	EventID   string    `json:"event_id"`
	Name      string    `json:"name"`
	Action    string    `json:"action,omitempty"`
	Room      string    `json:"room,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PlaybackEvent reports a lifecycle transition of the playback queue.
type PlaybackEvent struct {
	Kind      string    `json:"kind"`
	Label     string    `json:"label,omitempty"`
	Ref       string    `json:"ref,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Error     string    `json:"error,omitempty"`
	Discarded int       `json:"discarded,omitempty"`
	Pending   int       `json:"pending"`
	Timestamp time.Time `json:"timestamp"`
}

// QueueStatus mirrors the playback manager snapshot on the wire.
type QueueStatus struct {
	QueueLength   int      `json:"queue_length"`
	IsPlaying     bool     `json:"is_playing"`
	State         string   `json:"state"`
	CurrentLabel  *string  `json:"current_label"`
	NextLabel     *string  `json:"next_label"`
	PendingLabels []string `json:"pending_labels"`
	AutoPlay      bool     `json:"auto_play"`
	Volume        float64  `json:"volume"`
}

// ControlRequest carries operator console arguments. Fields are op specific.
type ControlRequest struct {
	Volume   *float64 `json:"volume,omitempty"`
	AutoPlay string   `json:"auto_play,omitempty"` // on, off, toggle
	BaseURL  string   `json:"base_url,omitempty"`
	TTS      string   `json:"tts,omitempty"` // on, off
}

// ControlReply is returned for every console request.
type ControlReply struct {
	OK        bool           `json:"ok"`
	Error     string         `json:"error,omitempty"`
	Status    *QueueStatus   `json:"status,omitempty"`
	Config    *RuntimeConfig `json:"config,omitempty"`
	Health    *ServiceHealth `json:"health,omitempty"`
	Discarded int            `json:"discarded,omitempty"`
	AutoPlay  *bool          `json:"auto_play,omitempty"`
}

// RuntimeConfig is the operator-visible subset of the effective configuration.
type RuntimeConfig struct {
	TTSEnabled    bool    `json:"tts_enabled"`
	TTSMode       string  `json:"tts_mode"`
	BaseURL       string  `json:"base_url"`
	APIURL        string  `json:"api_url"`
	HealthURL     string  `json:"health_url"`
	WelcomePrefix string  `json:"welcome_prefix"`
	WelcomeSuffix string  `json:"welcome_suffix"`
	Engine        string  `json:"engine"`
	AutoPlay      bool    `json:"auto_play"`
	Volume        float64 `json:"volume"`
	LoadTimeoutMS int     `json:"load_timeout_ms"`
}

// ServiceHealth is the TTS backend health report.
type ServiceHealth struct {
	Reachable   bool   `json:"reachable"`
	Status      string `json:"status,omitempty"`
	ModelLoaded bool   `json:"model_loaded"`
	Version     string `json:"version,omitempty"`
	Error       string `json:"error,omitempty"`
}

const (
	SubjectParticipantJoined = "greeter.participant.joined"
	SubjectPlaybackEvent     = "greeter.playback.event"
	SubjectControlPrefix     = "greeter.ctrl"
)

// Console operations, appended to SubjectControlPrefix.
const (
	OpStatus   = "status"
	OpStop     = "stop"
	OpNext     = "next"
	OpVolume   = "volume"
	OpAutoPlay = "autoplay"
	OpConfig   = "config"
	OpAPIURL   = "api_url"
	OpHealth   = "health"
	OpTTS      = "tts"
)

// ControlSubject returns the request subject for a console operation.
func ControlSubject(op string) string {
	return SubjectControlPrefix + "." + op
}
