// Package translate maps messages between the downstream session protocol and
// the upstream agent event vocabulary.
package translate

import (
	"fmt"
	"strings"

	"github.com/vango-go/vai-relay/pkg/relay/protocol"
	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

type Options struct {
	// PassthroughMetadata forwards upstream session metadata downstream as a
	// session_metadata message.
	PassthroughMetadata bool
	// SupportedAudioFormat is the only format the relay carries end to end,
	// for example "pcm_16000". Empty disables the check.
	SupportedAudioFormat string
}

// Action is what the session should do in response to one upstream event.
// More than one field may be set.
type Action struct {
	// Reply is sent straight back upstream, ahead of anything queued.
	Reply any
	// Downstream is delivered to the caller in order behind queued audio.
	Downstream any
	// Audio goes to the framer.
	Audio []byte
	// Interrupt discards queued agent audio before Downstream is delivered.
	Interrupt bool
	ToolCall  *upstream.ToolCall
	Warnings  []string
	// Ignored names why the event produced nothing.
	Ignored string
}

func FromUpstream(ev upstream.Event, opts Options) Action {
	switch ev.Kind {
	case upstream.KindSessionMetadata:
		var act Action
		if ev.Metadata != nil {
			act.Warnings = CheckAudioFormats(*ev.Metadata, opts.SupportedAudioFormat)
			if opts.PassthroughMetadata {
				act.Downstream = protocol.ServerSessionMetadata{
					Type:                   protocol.TypeSessionMetadata,
					ConversationID:         ev.Metadata.ConversationID,
					UserInputAudioFormat:   ev.Metadata.UserInputAudioFormat,
					AgentOutputAudioFormat: ev.Metadata.AgentOutputAudioFormat,
				}
			}
		}
		if act.Downstream == nil {
			act.Ignored = "metadata not forwarded"
		}
		return act
	case upstream.KindUserTranscript:
		return transcript(protocol.RoleUser, ev.Text)
	case upstream.KindAgentResponse:
		return transcript(protocol.RoleAgent, ev.Text)
	case upstream.KindAgentResponseCorrection, upstream.KindInterruption:
		return Action{
			Interrupt:  true,
			Downstream: protocol.ServerInterruption{Type: protocol.TypeInterruption},
		}
	case upstream.KindAudio:
		if len(ev.Audio) == 0 {
			return Action{Ignored: "empty audio"}
		}
		return Action{Audio: ev.Audio}
	case upstream.KindPing:
		return Action{Reply: upstream.NewPong(ev.EventID)}
	case upstream.KindToolCall:
		if ev.ToolCall == nil {
			return Action{Ignored: "tool call without payload"}
		}
		return Action{ToolCall: ev.ToolCall}
	case upstream.KindToolResponseAck:
		return Action{Ignored: "tool response acknowledged"}
	default:
		return Action{Ignored: "unhandled upstream event " + ev.Type}
	}
}

func transcript(role, text string) Action {
	if strings.TrimSpace(text) == "" {
		return Action{Ignored: "empty transcript"}
	}
	return Action{Downstream: protocol.ServerTranscript{Type: protocol.TypeTranscript, Role: role, Text: text}}
}

// CheckAudioFormats reports direction/format pairs that differ from the
// supported format. Mismatches are warnings only; nothing is transcoded.
func CheckAudioFormats(meta upstream.SessionMetadata, supported string) []string {
	supported = strings.TrimSpace(supported)
	if supported == "" {
		return nil
	}
	var warnings []string
	if f := strings.TrimSpace(meta.UserInputAudioFormat); f != "" && !strings.EqualFold(f, supported) {
		warnings = append(warnings, fmt.Sprintf("user input audio format %q differs from supported %q", f, supported))
	}
	if f := strings.TrimSpace(meta.AgentOutputAudioFormat); f != "" && !strings.EqualFold(f, supported) {
		warnings = append(warnings, fmt.Sprintf("agent output audio format %q differs from supported %q", f, supported))
	}
	return warnings
}

// UserAudio converts caller audio into the upstream audio chunk payload.
func UserAudio(audio []byte) upstream.UserAudioChunk {
	return upstream.NewUserAudioChunk(audio)
}

// ToolResult converts a dispatcher outcome into the upstream result payload.
func ToolResult(callID, result string, isError bool) upstream.ClientToolResult {
	return upstream.NewClientToolResult(callID, result, isError)
}
