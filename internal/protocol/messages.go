package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client → server.
	TypeInitializeAvatar MessageType = "initialize_avatar"
	TypeAudioChunk       MessageType = "audio_chunk"
	TypeGetStatus        MessageType = "get_status"

	// Server → client.
	TypeConnectionEstablished MessageType = "connection_established"
	TypeAvatarInitStarted     MessageType = "avatar_initialization_started"
	TypeAvatarReady           MessageType = "avatar_ready"
	TypeAudioReceived         MessageType = "audio_received"
	TypeVideoChunk            MessageType = "video_chunk"
	TypeStatus                MessageType = "status"
	TypeError                 MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// InitializeAvatar binds the connection to an avatar. Exactly one of
// AvatarVideoData (base64) or AvatarVideoPath must carry the source video.
type InitializeAvatar struct {
	Type            MessageType `json:"type"`
	AvatarID        string      `json:"avatar_id,omitempty"`
	AvatarVideoData string      `json:"avatar_video_data,omitempty"`
	AvatarVideoPath string      `json:"avatar_video_path,omitempty"`
	Version         string      `json:"version,omitempty"`
}

type AudioChunk struct {
	Type       MessageType `json:"type"`
	AudioData  string      `json:"audio_data"`
	SampleRate int         `json:"sample_rate,omitempty"`
}

type GetStatus struct {
	Type MessageType `json:"type"`
}

type ConnectionEstablished struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"client_id"`
	Message  string      `json:"message,omitempty"`
}

type AvatarInitStarted struct {
	Type     MessageType `json:"type"`
	AvatarID string      `json:"avatar_id"`
	Message  string      `json:"message,omitempty"`
}

type AvatarReady struct {
	Type     MessageType `json:"type"`
	AvatarID string      `json:"avatar_id"`
}

type AudioReceived struct {
	Type  MessageType `json:"type"`
	JobID string      `json:"job_id"`
	Seq   int         `json:"seq"`
}

type VideoChunk struct {
	Type      MessageType `json:"type"`
	Seq       int         `json:"seq"`
	VideoData string      `json:"video_data"`
}

type Status struct {
	Type              MessageType `json:"type"`
	ClientID          string      `json:"client_id"`
	AvatarInitialized bool        `json:"avatar_initialized"`
	AvatarID          string      `json:"avatar_id,omitempty"`
	QueueSize         int         `json:"queue_size"`
	Processing        bool        `json:"processing"`
}

type Error struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

var (
	ErrMissingVideo = errors.New("initialize_avatar requires avatar_video_data or avatar_video_path")
	ErrMissingAudio = errors.New("audio_chunk requires audio_data")
)

// ParseClientMessage decodes one inbound envelope. Unknown types return
// ErrUnsupportedType so the caller can answer with an error message instead
// of dropping the connection.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeInitializeAvatar:
		var msg InitializeAvatar
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.AvatarVideoData == "" && msg.AvatarVideoPath == "" {
			return nil, ErrMissingVideo
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.AudioData == "" {
			return nil, ErrMissingAudio
		}
		return msg, nil
	case TypeGetStatus:
		var msg GetStatus
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
