package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/avstream/avatarstream/internal/audio"
	"github.com/avstream/avatarstream/internal/coordinator"
	"github.com/avstream/avatarstream/internal/protocol"
)

const (
	streamReadLimit  = 50 << 20
	streamWriteWait  = 10 * time.Second
	outboundCapacity = 64
)

// streamSession is the per-connection state of one streaming client.
type streamSession struct {
	clientID string

	mu       sync.Mutex
	avatarID string
	ready    bool
	seq      int

	// pending carries job handles to the delivery goroutine in submission
	// order, so video chunks come back exactly as audio chunks went in.
	pending  chan *orderedJob
	outbound chan any
}

type orderedJob struct {
	seq       int
	audioPath string
	job       *coordinator.Job
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(streamReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := &streamSession{
		clientID: uuid.NewString()[:8],
		pending:  make(chan *orderedJob, s.cfg.SessionQueueCapacity),
		outbound: make(chan any, outboundCapacity),
	}
	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}
	log.Printf("stream %s connected", sess.clientID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.streamWriter(ctx, conn, sess)
		// A dead writer means nothing drains outbound; unblock senders.
		cancel()
	}()
	go func() {
		defer wg.Done()
		s.streamDeliver(ctx, sess)
	}()

	sess.send(ctx, protocol.ConnectionEstablished{
		Type:     protocol.TypeConnectionEstablished,
		ClientID: sess.clientID,
		Message:  "connected to avatar streaming service",
	})

	s.streamReadLoop(ctx, conn, sess)

	// Read loop is done: stop the writer and delivery goroutines, then
	// release everything the client will never collect.
	cancel()
	wg.Wait()
	s.abandonPending(sess)
	log.Printf("stream %s disconnected", sess.clientID)
}

func (s *Server) streamReadLoop(ctx context.Context, conn *websocket.Conn, sess *streamSession) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("stream %s read error: %v", sess.clientID, err)
			}
			return
		}

		parsed, err := protocol.ParseClientMessage(raw)
		if err != nil {
			if s.metrics != nil {
				s.metrics.WSMessages.WithLabelValues("in", "invalid").Inc()
			}
			if errors.Is(err, protocol.ErrMissingVideo) {
				// An initialize without a video source cannot set up a
				// session. Report and drop the connection.
				sess.send(ctx, protocol.Error{Type: protocol.TypeError, Code: "invalid_input", Message: err.Error()})
				time.Sleep(50 * time.Millisecond)
				return
			}
			code := "invalid_input"
			if errors.Is(err, protocol.ErrUnsupportedType) {
				code = "unsupported_type"
			}
			sess.send(ctx, protocol.Error{Type: protocol.TypeError, Code: code, Message: err.Error()})
			continue
		}

		switch msg := parsed.(type) {
		case protocol.InitializeAvatar:
			if s.metrics != nil {
				s.metrics.WSMessages.WithLabelValues("in", string(protocol.TypeInitializeAvatar)).Inc()
			}
			s.streamInitialize(ctx, sess, msg)
		case protocol.AudioChunk:
			if s.metrics != nil {
				s.metrics.WSMessages.WithLabelValues("in", string(protocol.TypeAudioChunk)).Inc()
			}
			s.streamAudioChunk(ctx, sess, msg)
		case protocol.GetStatus:
			if s.metrics != nil {
				s.metrics.WSMessages.WithLabelValues("in", string(protocol.TypeGetStatus)).Inc()
			}
			sess.send(ctx, sess.statusSnapshot())
		}
	}
}

// streamInitialize registers and prepares the session avatar. Preparation
// runs off the read loop so the client can keep polling status meanwhile.
func (s *Server) streamInitialize(ctx context.Context, sess *streamSession, msg protocol.InitializeAvatar) {
	sess.mu.Lock()
	if sess.avatarID != "" {
		sess.mu.Unlock()
		sess.send(ctx, protocol.Error{
			Type:    protocol.TypeError,
			Code:    "invalid_input",
			Message: "avatar already initialized for this connection",
		})
		return
	}
	sess.mu.Unlock()

	avatarID := strings.TrimSpace(msg.AvatarID)
	if avatarID == "" {
		avatarID = "avatar_" + sess.clientID
	}
	version := strings.TrimSpace(msg.Version)
	if version == "" {
		version = s.cfg.EngineDefaultVersion
	}

	// Reuse an already prepared avatar instead of re-running preparation;
	// checked before the upload is stored so reuse leaves nothing behind.
	if existing, err := s.registry.Get(avatarID); err == nil && existing.Ready() {
		sess.bind(avatarID)
		sess.send(ctx, protocol.AvatarReady{Type: protocol.TypeAvatarReady, AvatarID: avatarID})
		return
	}

	videoPath := msg.AvatarVideoPath
	if msg.AvatarVideoData != "" {
		data, err := base64.StdEncoding.DecodeString(msg.AvatarVideoData)
		if err != nil {
			sess.send(ctx, protocol.Error{Type: protocol.TypeError, Code: "invalid_input", Message: "avatar_video_data is not valid base64"})
			return
		}
		videoPath = filepath.Join(s.cfg.UploadDir(), sess.clientID+"_"+avatarID+".mp4")
		if err := os.WriteFile(videoPath, data, 0o644); err != nil {
			sess.send(ctx, protocol.Error{Type: protocol.TypeError, Code: "internal", Message: "store avatar video: " + err.Error()})
			return
		}
	}

	a, err := s.registry.Register(avatarID, videoPath, version, true)
	if err != nil {
		code, _ := classifyError(err)
		sess.send(ctx, protocol.Error{Type: protocol.TypeError, Code: code, Message: err.Error()})
		return
	}
	if s.metrics != nil {
		s.metrics.AvatarEvents.WithLabelValues("registered").Inc()
	}

	sess.mu.Lock()
	sess.avatarID = a.ID
	sess.mu.Unlock()

	sess.send(ctx, protocol.AvatarInitStarted{
		Type:     protocol.TypeAvatarInitStarted,
		AvatarID: a.ID,
		Message:  "avatar preparation started",
	})

	go func() {
		if err := s.registry.Prepare(context.WithoutCancel(ctx), a.ID); err != nil {
			code, _ := classifyError(err)
			sess.send(ctx, protocol.Error{Type: protocol.TypeError, Code: code, Message: "avatar preparation failed: " + err.Error()})
			return
		}
		if s.metrics != nil {
			s.metrics.AvatarEvents.WithLabelValues("prepared").Inc()
		}
		sess.mu.Lock()
		sess.ready = true
		sess.mu.Unlock()
		sess.send(ctx, protocol.AvatarReady{Type: protocol.TypeAvatarReady, AvatarID: a.ID})
	}()
}

func (s *Server) streamAudioChunk(ctx context.Context, sess *streamSession, msg protocol.AudioChunk) {
	sess.mu.Lock()
	avatarID, ready := sess.avatarID, sess.ready
	sess.mu.Unlock()
	if avatarID == "" || !ready {
		sess.send(ctx, protocol.Error{Type: protocol.TypeError, Code: "avatar_not_ready", Message: "initialize an avatar before sending audio"})
		return
	}

	data, err := base64.StdEncoding.DecodeString(msg.AudioData)
	if err != nil {
		sess.send(ctx, protocol.Error{Type: protocol.TypeError, Code: "invalid_input", Message: "audio_data is not valid base64"})
		return
	}
	if len(data) == 0 {
		sess.send(ctx, protocol.Error{Type: protocol.TypeError, Code: "invalid_input", Message: "audio_data is empty"})
		return
	}

	name := sess.clientID + "_chunk_" + uuid.NewString()[:8]
	audioPath := filepath.Join(s.cfg.UploadDir(), name+".wav")
	if audio.LooksLikeWAV(data) {
		err = os.WriteFile(audioPath, data, 0o644)
	} else {
		// Raw PCM: wrap it so the engine gets a decodable file.
		rate := msg.SampleRate
		if rate == 0 {
			rate = s.cfg.ChunkSampleRate
		}
		err = audio.WriteWAVFile(audioPath, data, rate, s.cfg.ChunkChannels)
	}
	if err != nil {
		sess.send(ctx, protocol.Error{Type: protocol.TypeError, Code: "invalid_input", Message: "store audio chunk: " + err.Error()})
		return
	}

	// The read loop is the only producer into pending, so the capacity
	// check cannot race. Delivery falling behind sheds the chunk instead of
	// growing an unbounded backlog.
	if len(sess.pending) == cap(sess.pending) {
		os.Remove(audioPath)
		sess.send(ctx, protocol.Error{Type: protocol.TypeError, Code: "resource_exhausted", Message: "session delivery queue is full, retry later"})
		return
	}

	job, err := s.coord.Submit(avatarID, audioPath, name)
	if err != nil {
		os.Remove(audioPath)
		code, _ := classifyError(err)
		sess.send(ctx, protocol.Error{Type: protocol.TypeError, Code: code, Message: err.Error()})
		return
	}

	sess.mu.Lock()
	seq := sess.seq
	sess.seq++
	sess.mu.Unlock()

	// Ack before handing the job to delivery so audio_received always
	// precedes the matching video_chunk on the wire.
	sess.send(ctx, protocol.AudioReceived{Type: protocol.TypeAudioReceived, JobID: job.ID, Seq: seq})
	sess.pending <- &orderedJob{seq: seq, audioPath: audioPath, job: job}
}

// streamDeliver awaits job handles in submission order and pushes results
// back as video chunks. One goroutine per session keeps delivery ordered.
func (s *Server) streamDeliver(ctx context.Context, sess *streamSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case oj := <-sess.pending:
			artifact, err := oj.job.Await(ctx)
			os.Remove(oj.audioPath)
			if err != nil {
				if ctx.Err() != nil {
					// Detach the in-flight job so its artifact is reaped
					// when the engine finishes.
					oj.job.Cancel()
					return
				}
				code, _ := classifyError(err)
				sess.send(ctx, protocol.Error{Type: protocol.TypeError, Code: code, Message: err.Error()})
				continue
			}
			data, err := os.ReadFile(artifact)
			os.Remove(artifact)
			if err != nil {
				sess.send(ctx, protocol.Error{Type: protocol.TypeError, Code: "internal", Message: "read artifact: " + err.Error()})
				continue
			}
			sess.send(ctx, protocol.VideoChunk{
				Type:      protocol.TypeVideoChunk,
				Seq:       oj.seq,
				VideoData: base64.StdEncoding.EncodeToString(data),
			})
		}
	}
}

func (s *Server) streamWriter(ctx context.Context, conn *websocket.Conn, sess *streamSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sess.outbound:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("stream %s write error: %v", sess.clientID, err)
				return
			}
			if s.metrics != nil {
				s.metrics.WSMessages.WithLabelValues("out", messageType(msg)).Inc()
			}
		}
	}
}

// abandonPending cancels whatever the disconnected client left behind.
// Queued jobs never run; the running one detaches and its result is dropped.
func (s *Server) abandonPending(sess *streamSession) {
	for {
		select {
		case oj := <-sess.pending:
			oj.job.Cancel()
			os.Remove(oj.audioPath)
		default:
			return
		}
	}
}

func (sess *streamSession) bind(avatarID string) {
	sess.mu.Lock()
	sess.avatarID = avatarID
	sess.ready = true
	sess.mu.Unlock()
}

func (sess *streamSession) send(ctx context.Context, msg any) {
	select {
	case sess.outbound <- msg:
	case <-ctx.Done():
	}
}

func (sess *streamSession) statusSnapshot() protocol.Status {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return protocol.Status{
		Type:              protocol.TypeStatus,
		ClientID:          sess.clientID,
		AvatarInitialized: sess.ready,
		AvatarID:          sess.avatarID,
		QueueSize:         len(sess.pending),
		Processing:        len(sess.pending) > 0,
	}
}

func messageType(msg any) string {
	switch m := msg.(type) {
	case protocol.ConnectionEstablished:
		return string(m.Type)
	case protocol.AvatarInitStarted:
		return string(m.Type)
	case protocol.AvatarReady:
		return string(m.Type)
	case protocol.AudioReceived:
		return string(m.Type)
	case protocol.VideoChunk:
		return string(m.Type)
	case protocol.Status:
		return string(m.Type)
	case protocol.Error:
		return string(m.Type)
	default:
		return "unknown"
	}
}
