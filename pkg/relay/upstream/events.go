package upstream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Wire event types emitted by the conversational agent service.
const (
	typeConversationInitiationMetadata = "conversation_initiation_metadata"
	typeUserTranscript                 = "user_transcript"
	typeAgentResponse                  = "agent_response"
	typeAgentResponseCorrection        = "agent_response_correction"
	typeAudio                          = "audio"
	typeInterruption                   = "interruption"
	typePing                           = "ping"
	typeClientToolCall                 = "client_tool_call"
	typeAgentToolResponse              = "agent_tool_response"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindSessionMetadata
	KindUserTranscript
	KindAgentResponse
	KindAgentResponseCorrection
	KindAudio
	KindInterruption
	KindPing
	KindToolCall
	KindToolResponseAck
)

func (k Kind) String() string {
	switch k {
	case KindSessionMetadata:
		return "session_metadata"
	case KindUserTranscript:
		return "user_transcript"
	case KindAgentResponse:
		return "agent_response"
	case KindAgentResponseCorrection:
		return "agent_response_correction"
	case KindAudio:
		return "audio"
	case KindInterruption:
		return "interruption"
	case KindPing:
		return "ping"
	case KindToolCall:
		return "tool_call"
	case KindToolResponseAck:
		return "tool_response_ack"
	default:
		return "unknown"
	}
}

type SessionMetadata struct {
	ConversationID         string
	UserInputAudioFormat   string
	AgentOutputAudioFormat string
}

type Correction struct {
	Original  string
	Corrected string
}

type ToolCall struct {
	Name       string
	CallID     string
	Parameters map[string]any
}

type ToolResponseAck struct {
	Name    string
	CallID  string
	IsError bool
}

// Event is one decoded upstream event. Kind selects which of the payload
// fields is populated.
type Event struct {
	Kind Kind
	Type string

	Metadata   *SessionMetadata
	Text       string
	Correction *Correction
	Audio      []byte
	EventID    int64
	PingMS     int64
	ToolCall   *ToolCall
	ToolAck    *ToolResponseAck
}

type DecodeError struct {
	Type    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Type == "" {
		return "upstream: " + e.Message
	}
	return fmt.Sprintf("upstream %s: %s", e.Type, e.Message)
}

type wireEvent struct {
	Type string `json:"type"`

	Metadata *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		UserInputAudioFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event"`
	UserTranscription *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`
	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`
	AgentResponseCorrection *struct {
		Original  string `json:"original_agent_response"`
		Corrected string `json:"corrected_agent_response"`
	} `json:"agent_response_correction_event"`
	Audio *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event"`
	Interruption *struct {
		EventID int64 `json:"event_id"`
	} `json:"interruption_event"`
	Ping *struct {
		EventID int64 `json:"event_id"`
		PingMS  int64 `json:"ping_ms"`
	} `json:"ping_event"`
	ClientToolCall *struct {
		ToolName   string         `json:"tool_name"`
		ToolCallID string         `json:"tool_call_id"`
		Parameters map[string]any `json:"parameters"`
	} `json:"client_tool_call"`
	AgentToolResponse *struct {
		ToolName   string `json:"tool_name"`
		ToolCallID string `json:"tool_call_id"`
		IsError    bool   `json:"is_error"`
	} `json:"agent_tool_response"`
}

// DecodeEvent parses one upstream text frame. Unrecognized types decode to
// KindUnknown without error; frames that are not JSON or miss the payload
// their type requires return a *DecodeError.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, &DecodeError{Message: "invalid json"}
	}
	typ := strings.TrimSpace(w.Type)
	if typ == "" {
		return Event{}, &DecodeError{Message: "missing type"}
	}
	ev := Event{Type: typ}

	switch typ {
	case typeConversationInitiationMetadata:
		ev.Kind = KindSessionMetadata
		ev.Metadata = &SessionMetadata{}
		if w.Metadata != nil {
			ev.Metadata.ConversationID = w.Metadata.ConversationID
			ev.Metadata.UserInputAudioFormat = w.Metadata.UserInputAudioFormat
			ev.Metadata.AgentOutputAudioFormat = w.Metadata.AgentOutputAudioFormat
		}
	case typeUserTranscript:
		if w.UserTranscription == nil {
			return Event{}, &DecodeError{Type: typ, Message: "missing user_transcription_event"}
		}
		ev.Kind = KindUserTranscript
		ev.Text = w.UserTranscription.UserTranscript
	case typeAgentResponse:
		if w.AgentResponse == nil {
			return Event{}, &DecodeError{Type: typ, Message: "missing agent_response_event"}
		}
		ev.Kind = KindAgentResponse
		ev.Text = w.AgentResponse.AgentResponse
	case typeAgentResponseCorrection:
		ev.Kind = KindAgentResponseCorrection
		ev.Correction = &Correction{}
		if w.AgentResponseCorrection != nil {
			ev.Correction.Original = w.AgentResponseCorrection.Original
			ev.Correction.Corrected = w.AgentResponseCorrection.Corrected
		}
	case typeAudio:
		if w.Audio == nil {
			return Event{}, &DecodeError{Type: typ, Message: "missing audio_event"}
		}
		audio, err := decodeBase64Any(w.Audio.AudioBase64)
		if err != nil {
			return Event{}, &DecodeError{Type: typ, Message: "invalid audio base64"}
		}
		ev.Kind = KindAudio
		ev.Audio = audio
		ev.EventID = w.Audio.EventID
	case typeInterruption:
		ev.Kind = KindInterruption
		if w.Interruption != nil {
			ev.EventID = w.Interruption.EventID
		}
	case typePing:
		if w.Ping == nil {
			return Event{}, &DecodeError{Type: typ, Message: "missing ping_event"}
		}
		ev.Kind = KindPing
		ev.EventID = w.Ping.EventID
		ev.PingMS = w.Ping.PingMS
	case typeClientToolCall:
		if w.ClientToolCall == nil {
			return Event{}, &DecodeError{Type: typ, Message: "missing client_tool_call"}
		}
		if strings.TrimSpace(w.ClientToolCall.ToolCallID) == "" {
			return Event{}, &DecodeError{Type: typ, Message: "missing tool_call_id"}
		}
		params := w.ClientToolCall.Parameters
		if params == nil {
			params = map[string]any{}
		}
		ev.Kind = KindToolCall
		ev.ToolCall = &ToolCall{
			Name:       strings.TrimSpace(w.ClientToolCall.ToolName),
			CallID:     w.ClientToolCall.ToolCallID,
			Parameters: params,
		}
	case typeAgentToolResponse:
		ev.Kind = KindToolResponseAck
		ev.ToolAck = &ToolResponseAck{}
		if w.AgentToolResponse != nil {
			ev.ToolAck.Name = w.AgentToolResponse.ToolName
			ev.ToolAck.CallID = w.AgentToolResponse.ToolCallID
			ev.ToolAck.IsError = w.AgentToolResponse.IsError
		}
	default:
		ev.Kind = KindUnknown
	}
	return ev, nil
}

// Outbound upstream payloads.

type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type Pong struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

type ClientToolResult struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
}

type ConversationInitiationClientData struct {
	Type             string         `json:"type"`
	DynamicVariables map[string]any `json:"dynamic_variables,omitempty"`
}

func NewUserAudioChunk(audio []byte) UserAudioChunk {
	return UserAudioChunk{UserAudioChunk: base64.StdEncoding.EncodeToString(audio)}
}

func NewPong(eventID int64) Pong {
	return Pong{Type: "pong", EventID: eventID}
}

func NewClientToolResult(callID, result string, isError bool) ClientToolResult {
	return ClientToolResult{Type: "client_tool_result", ToolCallID: callID, Result: result, IsError: isError}
}

func NewClientData(dynamicVariables map[string]any) ConversationInitiationClientData {
	return ConversationInitiationClientData{
		Type:             "conversation_initiation_client_data",
		DynamicVariables: dynamicVariables,
	}
}

func decodeBase64Any(s string) ([]byte, error) {
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
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("invalid base64")
}
