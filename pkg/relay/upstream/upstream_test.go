package upstream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestResolver_DirectMode(t *testing.T) {
	t.Parallel()

	target, err := Resolver{Mode: ModeDirect, APIKey: "xi-key"}.Resolve(context.Background(), "agent_1")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.elevenlabs.io/v1/convai/conversation?agent_id=agent_1", target.URL)
	assert.Equal(t, "xi-key", target.Header.Get("xi-api-key"))
}

func TestResolver_DirectModeWithoutKeyOmitsHeader(t *testing.T) {
	t.Parallel()

	target, err := Resolver{WSBaseURL: "ws://127.0.0.1:9/base/"}.Resolve(context.Background(), "agent 2")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9/base/v1/convai/conversation?agent_id=agent+2", target.URL)
	assert.Empty(t, target.Header.Get("xi-api-key"))
}

func TestResolver_RequiresAgentID(t *testing.T) {
	t.Parallel()

	_, err := Resolver{}.Resolve(context.Background(), "  ")
	require.Error(t, err)
}

func TestResolver_SignedURLMode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/convai/conversation/get_signed_url", r.URL.Path)
		assert.Equal(t, "agent_1", r.URL.Query().Get("agent_id"))
		assert.Equal(t, "secret", r.Header.Get("xi-api-key"))
		_ = json.NewEncoder(w).Encode(map[string]string{"signed_url": "wss://signed.example/conv?token=abc"})
	}))
	defer srv.Close()

	target, err := Resolver{Mode: ModeSignedURL, APIBaseURL: srv.URL, APIKey: "secret"}.Resolve(context.Background(), "agent_1")
	require.NoError(t, err)
	assert.Equal(t, "wss://signed.example/conv?token=abc", target.URL)
	assert.Empty(t, target.Header.Get("xi-api-key"))
}

func TestResolver_SignedURLRejectedCredentials(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := Resolver{Mode: ModeSignedURL, APIBaseURL: srv.URL, APIKey: "bad"}.Resolve(context.Background(), "agent_1")
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestResolver_SignedURLRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := Resolver{Mode: ModeSignedURL}.Resolve(context.Background(), "agent_1")
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Mode{"": ModeDirect, "direct": ModeDirect, "SIGNED_URL": ModeSignedURL, "signed-url": ModeSignedURL} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("oauth")
	require.Error(t, err)
}

func TestDial_SignedURLTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := &Dialer{
		Resolver:       Resolver{Mode: ModeSignedURL, APIBaseURL: srv.URL, APIKey: "k"},
		ConnectTimeout: 50 * time.Millisecond,
		Logger:         testLogger(),
	}
	_, err := d.Dial(context.Background(), "agent_1", nil)
	require.ErrorIs(t, err, ErrConnectTimeout)
}

func TestDial_HandshakeForbidden(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	d := &Dialer{Resolver: Resolver{WSBaseURL: wsURL(srv.URL)}, Logger: testLogger()}
	_, err := d.Dial(context.Background(), "agent_1", nil)
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestConn_SendsClientDataAndReceivesEvents(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "agent_1", r.URL.Query().Get("agent_id"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var first map[string]any
		if err := conn.ReadJSON(&first); err != nil {
			return
		}
		received <- first

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteJSON(map[string]any{
			"type": "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]any{
				"conversation_id":           "conv_1",
				"agent_output_audio_format": "pcm_16000",
				"user_input_audio_format":   "pcm_16000",
			},
		})
		_ = conn.WriteJSON(map[string]any{"type": "ping", "ping_event": map[string]any{"event_id": 7, "ping_ms": 0}})

		var pong map[string]any
		if err := conn.ReadJSON(&pong); err != nil {
			return
		}
		received <- pong
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "agent ended"))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	d := &Dialer{Resolver: Resolver{WSBaseURL: wsURL(srv.URL)}, Logger: testLogger()}
	conn, err := d.Dial(context.Background(), "agent_1", &ConversationInitiationClientData{Type: "conversation_initiation_client_data"})
	require.NoError(t, err)
	defer conn.Close()

	first := <-received
	assert.Equal(t, "conversation_initiation_client_data", first["type"])

	ev := <-conn.Events()
	require.Equal(t, KindSessionMetadata, ev.Kind)
	assert.Equal(t, "conv_1", ev.Metadata.ConversationID)

	ev = <-conn.Events()
	require.Equal(t, KindPing, ev.Kind)
	require.NoError(t, conn.Send(context.Background(), NewPong(ev.EventID)))

	pong := <-received
	assert.Equal(t, "pong", pong["type"])
	assert.EqualValues(t, 7, pong["event_id"])

	for range conn.Events() {
	}
	info := conn.CloseInfo()
	assert.Equal(t, 4001, info.Code)
	assert.Equal(t, "agent ended", info.Reason)
	assert.NoError(t, info.Err)
	assert.False(t, conn.IsOpen())
	assert.ErrorIs(t, conn.Send(context.Background(), NewPong(1)), ErrNotOpen)
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d := &Dialer{Resolver: Resolver{WSBaseURL: wsURL(srv.URL)}, Logger: testLogger()}
	conn, err := d.Dial(context.Background(), "agent_1", nil)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, websocket.CloseNormalClosure, conn.CloseInfo().Code)
	_, ok := <-conn.Events()
	assert.False(t, ok)
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	ev, err := DecodeEvent([]byte(`{"type":"user_transcript","user_transcription_event":{"user_transcript":"hello"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindUserTranscript, ev.Kind)
	assert.Equal(t, "hello", ev.Text)

	ev, err = DecodeEvent([]byte(`{"type":"agent_response","agent_response_event":{"agent_response":"hi there"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindAgentResponse, ev.Kind)
	assert.Equal(t, "hi there", ev.Text)

	ev, err = DecodeEvent([]byte(`{"type":"audio","audio_event":{"audio_base_64":"AQID","event_id":3}}`))
	require.NoError(t, err)
	assert.Equal(t, KindAudio, ev.Kind)
	assert.Equal(t, []byte{1, 2, 3}, ev.Audio)
	assert.EqualValues(t, 3, ev.EventID)

	ev, err = DecodeEvent([]byte(`{"type":"client_tool_call","client_tool_call":{"tool_name":"lookup","tool_call_id":"c1"}}`))
	require.NoError(t, err)
	require.Equal(t, KindToolCall, ev.Kind)
	assert.Equal(t, "lookup", ev.ToolCall.Name)
	assert.NotNil(t, ev.ToolCall.Parameters)

	ev, err = DecodeEvent([]byte(`{"type":"agent_response_correction","agent_response_correction_event":{"original_agent_response":"a","corrected_agent_response":"b"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindAgentResponseCorrection, ev.Kind)
	assert.Equal(t, "b", ev.Correction.Corrected)

	ev, err = DecodeEvent([]byte(`{"type":"vad_score","vad_score_event":{"vad_score":0.5}}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, ev.Kind)
	assert.Equal(t, "vad_score", ev.Type)
}

func TestDecodeEvent_Malformed(t *testing.T) {
	t.Parallel()

	for _, frame := range []string{
		`{`,
		`{"user_transcription_event":{}}`,
		`{"type":"audio"}`,
		`{"type":"audio","audio_event":{"audio_base_64":"%%%"}}`,
		`{"type":"ping"}`,
		`{"type":"client_tool_call","client_tool_call":{"tool_name":"x"}}`,
	} {
		_, err := DecodeEvent([]byte(frame))
		var de *DecodeError
		require.ErrorAs(t, err, &de, frame)
	}
}
