// Package protocol defines the downstream session protocol spoken between the
// relay and its callers (browsers, telephony gateways, generic clients).
//
// Every text frame is a JSON object with a "type" discriminator. Binary frames
// received from the caller carry raw audio bytes.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound message types.
const (
	TypeInit  = "init"
	TypeAudio = "audio"
	TypePing  = "ping"
)

// Outbound message types.
const (
	TypeConnected            = "connected"
	TypeTranscript           = "transcript"
	TypeInterruption         = "interruption"
	TypeUpstreamDisconnected = "upstream_disconnected"
	TypeError                = "error"
	TypePong                 = "pong"
	TypeSessionMetadata      = "session_metadata"
)

const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

type ClientInit struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// ClientAudio carries caller audio. Data holds the decoded bytes regardless of
// whether the frame arrived as base64 JSON or as a binary frame.
type ClientAudio struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
	Data  []byte `json:"-"`
}

type ClientPing struct {
	Type string `json:"type"`
}

// DecodeClientMessage decodes one downstream text frame into ClientInit,
// ClientAudio or ClientPing.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeInit:
		var msg ClientInit
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid init frame", "")
		}
		msg.Type = TypeInit
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		if len(msg.SessionID) > 128 {
			return nil, badRequest("init.session_id must be at most 128 characters", "session_id")
		}
		return msg, nil
	case TypeAudio:
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.Audio) == "" {
			return nil, badRequest("audio.audio is required", "audio")
		}
		decoded, err := DecodeBase64(msg.Audio)
		if err != nil {
			return nil, badRequest("audio.audio must be base64", "audio")
		}
		msg.Type = TypeAudio
		msg.Data = decoded
		return msg, nil
	case TypePing:
		return ClientPing{Type: TypePing}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// BinaryAudio wraps a binary websocket frame as an audio message.
func BinaryAudio(data []byte) ClientAudio {
	buf := make([]byte, len(data))
	copy(buf, data)
	return ClientAudio{Type: TypeAudio, Data: buf}
}

// DecodeBase64 accepts padded and unpadded standard base64.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("invalid base64")
}

type ServerConnected struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
}

type ServerTranscript struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Text string `json:"text"`
}

// ServerAudio is one outbound audio frame; Audio is base64 of at most the
// configured max frame size.
type ServerAudio struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type ServerInterruption struct {
	Type string `json:"type"`
}

type ServerUpstreamDisconnected struct {
	Type   string `json:"type"`
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ServerPong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type ServerSessionMetadata struct {
	Type                   string `json:"type"`
	ConversationID         string `json:"conversation_id,omitempty"`
	UserInputAudioFormat   string `json:"user_input_audio_format,omitempty"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format,omitempty"`
}

func NewAudio(frame []byte) ServerAudio {
	return ServerAudio{Type: TypeAudio, Audio: base64.StdEncoding.EncodeToString(frame)}
}

func NewError(message string) ServerError {
	return ServerError{Type: TypeError, Message: message}
}

func NewPong(timestampMS int64) ServerPong {
	return ServerPong{Type: TypePong, Timestamp: timestampMS}
}
