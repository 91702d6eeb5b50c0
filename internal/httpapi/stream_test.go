package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avstream/avatarstream/internal/protocol"
)

func dialStream(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })

	var greeting protocol.ConnectionEstablished
	readEnvelope(t, conn, &greeting)
	if greeting.Type != protocol.TypeConnectionEstablished || greeting.ClientID == "" {
		t.Fatalf("unexpected greeting: %+v", greeting)
	}
	return conn
}

// readEnvelope reads the next message and decodes it into out, failing the
// test when the wire type does not match out's expected type field.
func readEnvelope(t *testing.T, conn *websocket.Conn, out any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
}

func readRaw(t *testing.T, conn *websocket.Conn) (protocol.MessageType, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope %s: %v", raw, err)
	}
	return env.Type, raw
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func initializeStreamAvatar(t *testing.T, conn *websocket.Conn, avatarID string) {
	t.Helper()
	sendJSON(t, conn, protocol.InitializeAvatar{
		Type:            protocol.TypeInitializeAvatar,
		AvatarID:        avatarID,
		AvatarVideoData: base64.StdEncoding.EncodeToString([]byte("fake video")),
	})
	var started protocol.AvatarInitStarted
	readEnvelope(t, conn, &started)
	if started.Type != protocol.TypeAvatarInitStarted {
		t.Fatalf("first reply type = %s, want %s", started.Type, protocol.TypeAvatarInitStarted)
	}
	var ready protocol.AvatarReady
	readEnvelope(t, conn, &ready)
	if ready.Type != protocol.TypeAvatarReady || ready.AvatarID != avatarID {
		t.Fatalf("unexpected ready: %+v", ready)
	}
}

func TestStreamInitializeAndGenerate(t *testing.T) {
	env := newTestEnv(t)
	conn := dialStream(t, env)
	initializeStreamAvatar(t, conn, "caster")

	sendJSON(t, conn, protocol.AudioChunk{
		Type:      protocol.TypeAudioChunk,
		AudioData: base64.StdEncoding.EncodeToString([]byte("raw pcm bytes")),
	})

	var ack protocol.AudioReceived
	readEnvelope(t, conn, &ack)
	if ack.Type != protocol.TypeAudioReceived || ack.JobID == "" || ack.Seq != 0 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	var chunk protocol.VideoChunk
	readEnvelope(t, conn, &chunk)
	if chunk.Type != protocol.TypeVideoChunk || chunk.Seq != 0 {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}
	data, err := base64.StdEncoding.DecodeString(chunk.VideoData)
	if err != nil {
		t.Fatalf("decode video data: %v", err)
	}
	if !strings.Contains(string(data), "mock video") {
		t.Fatalf("unexpected artifact payload %q", data)
	}
}

func TestStreamChunksDeliveredInOrder(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Delay = 20 * time.Millisecond
	conn := dialStream(t, env)
	initializeStreamAvatar(t, conn, "caster")

	const n = 3
	for i := 0; i < n; i++ {
		sendJSON(t, conn, protocol.AudioChunk{
			Type:      protocol.TypeAudioChunk,
			AudioData: base64.StdEncoding.EncodeToString([]byte{byte(i), 1, 2, 3}),
		})
	}

	var gotChunks []int
	for len(gotChunks) < n {
		typ, raw := readRaw(t, conn)
		switch typ {
		case protocol.TypeAudioReceived:
		case protocol.TypeVideoChunk:
			var chunk protocol.VideoChunk
			if err := json.Unmarshal(raw, &chunk); err != nil {
				t.Fatalf("decode chunk: %v", err)
			}
			gotChunks = append(gotChunks, chunk.Seq)
		default:
			t.Fatalf("unexpected message type %s: %s", typ, raw)
		}
	}
	for i, seq := range gotChunks {
		if seq != i {
			t.Fatalf("chunk order = %v, want 0..%d", gotChunks, n-1)
		}
	}
}

func TestStreamAudioBeforeInitialize(t *testing.T) {
	env := newTestEnv(t)
	conn := dialStream(t, env)

	sendJSON(t, conn, protocol.AudioChunk{
		Type:      protocol.TypeAudioChunk,
		AudioData: base64.StdEncoding.EncodeToString([]byte("pcm")),
	})
	var errMsg protocol.Error
	readEnvelope(t, conn, &errMsg)
	if errMsg.Type != protocol.TypeError || errMsg.Code != "avatar_not_ready" {
		t.Fatalf("unexpected error reply: %+v", errMsg)
	}
}

func TestStreamUnknownTypeKeepsConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := dialStream(t, env)

	sendJSON(t, conn, map[string]string{"type": "teleport"})
	var errMsg protocol.Error
	readEnvelope(t, conn, &errMsg)
	if errMsg.Code != "unsupported_type" {
		t.Fatalf("code = %q, want unsupported_type", errMsg.Code)
	}

	// The connection must survive an unknown type.
	sendJSON(t, conn, protocol.GetStatus{Type: protocol.TypeGetStatus})
	var status protocol.Status
	readEnvelope(t, conn, &status)
	if status.Type != protocol.TypeStatus || status.AvatarInitialized {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestStreamMalformedInitializeCloses(t *testing.T) {
	env := newTestEnv(t)
	conn := dialStream(t, env)

	sendJSON(t, conn, map[string]string{"type": "initialize_avatar"})
	var errMsg protocol.Error
	readEnvelope(t, conn, &errMsg)
	if errMsg.Code != "invalid_input" {
		t.Fatalf("code = %q, want invalid_input", errMsg.Code)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection should be closed after malformed initialize")
	}
}

func TestStreamSecondInitializeRejected(t *testing.T) {
	env := newTestEnv(t)
	conn := dialStream(t, env)
	initializeStreamAvatar(t, conn, "caster")

	sendJSON(t, conn, protocol.InitializeAvatar{
		Type:            protocol.TypeInitializeAvatar,
		AvatarID:        "other",
		AvatarVideoData: base64.StdEncoding.EncodeToString([]byte("video")),
	})
	var errMsg protocol.Error
	readEnvelope(t, conn, &errMsg)
	if errMsg.Type != protocol.TypeError || errMsg.Code != "invalid_input" {
		t.Fatalf("unexpected reply: %+v", errMsg)
	}
}

func TestStreamStatusReflectsSession(t *testing.T) {
	env := newTestEnv(t)
	conn := dialStream(t, env)
	initializeStreamAvatar(t, conn, "caster")

	sendJSON(t, conn, protocol.GetStatus{Type: protocol.TypeGetStatus})
	var status protocol.Status
	readEnvelope(t, conn, &status)
	if !status.AvatarInitialized || status.AvatarID != "caster" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestStreamReusesPreparedAvatar(t *testing.T) {
	env := newTestEnv(t)
	initializeAvatar(t, env, "shared")
	if calls := env.engine.PrepareCalls(); len(calls) != 1 {
		t.Fatalf("prepare calls = %d, want 1", len(calls))
	}

	before, err := os.ReadDir(env.cfg.UploadDir())
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}

	conn := dialStream(t, env)
	sendJSON(t, conn, protocol.InitializeAvatar{
		Type:            protocol.TypeInitializeAvatar,
		AvatarID:        "shared",
		AvatarVideoData: base64.StdEncoding.EncodeToString([]byte("video")),
	})
	// Already prepared: avatar_ready comes straight back, no init_started.
	var ready protocol.AvatarReady
	readEnvelope(t, conn, &ready)
	if ready.Type != protocol.TypeAvatarReady || ready.AvatarID != "shared" {
		t.Fatalf("unexpected reply: %+v", ready)
	}
	if calls := env.engine.PrepareCalls(); len(calls) != 1 {
		t.Fatalf("prepare calls = %d after reuse, want 1", len(calls))
	}

	// Reuse must not store the uploaded video payload.
	after, err := os.ReadDir(env.cfg.UploadDir())
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("upload dir entries = %d after reuse, want %d", len(after), len(before))
	}
}

func TestStreamDisconnectCancelsQueued(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Delay = 150 * time.Millisecond
	conn := dialStream(t, env)
	initializeStreamAvatar(t, conn, "caster")

	for i := 0; i < 3; i++ {
		sendJSON(t, conn, protocol.AudioChunk{
			Type:      protocol.TypeAudioChunk,
			AudioData: base64.StdEncoding.EncodeToString([]byte("pcm")),
		})
	}
	conn.Close()

	// The queued jobs must settle without running the engine for each one,
	// and any artifact the in-flight job produced must be reaped.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := env.coord.Stats()
		entries, err := os.ReadDir(env.artifactDir)
		if err != nil {
			t.Fatalf("read artifact dir: %v", err)
		}
		if st.QueuedJobs == 0 && st.RunningJobs == 0 && len(entries) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(env.engine.GenerateCalls()); n >= 3 {
		t.Fatalf("generate calls = %d after disconnect, want fewer than 3", n)
	}
	entries, err := os.ReadDir(env.artifactDir)
	if err != nil {
		t.Fatalf("read artifact dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("artifacts left after disconnect: %d", len(entries))
	}
}
