package protocol

import "time"

// TTSRequest asks the service to synthesize one utterance. Voice follows the
// HTTP rules: absent or "" selects the configured default.
type TTSRequest struct {
	RequestID string  `json:"request_id,omitempty"`
	Text      string  `json:"text"`
	Voice     *string `json:"voice,omitempty"`
}

// TTSReply is sent to the request's reply subject. Status mirrors the HTTP
// status the same request would have received; Audio holds WAV bytes when OK.
type TTSReply struct {
	RequestID  string `json:"request_id"`
	OK         bool   `json:"ok"`
	Status     int    `json:"status"`
	Detail     string `json:"detail,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Audio      []byte `json:"audio,omitempty"`
}

// TTSStatus is broadcast on SubjectTTSDone after every bus request.
type TTSStatus struct {
	RequestID  string    `json:"request_id"`
	Voice      string    `json:"voice,omitempty"`
	Completed  bool      `json:"completed"`
	Status     int       `json:"status"`
	Samples    int       `json:"samples,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectTTSRequest = "tts.request"
	SubjectTTSDone    = "tts.done"
)
