package main

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avstream/avatarstream/internal/audio"
	"github.com/avstream/avatarstream/internal/protocol"
)

// streamprobe replays audio chunks against a running server over the
// websocket protocol and reports end-to-end generation latency per chunk.

type options struct {
	baseURL      string
	avatarVideo  string
	avatarID     string
	version      string
	audioFile    string
	chunks       int
	chunkMS      int
	sampleRate   int
	outDir       string
	chunkTimeout time.Duration
	verbose      bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "streamprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var chunkTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "avatarstream base URL")
	flag.StringVar(&cfg.avatarVideo, "avatar-video", "", "path to the avatar source video (required)")
	flag.StringVar(&cfg.avatarID, "avatar-id", "probe", "avatar id to initialize")
	flag.StringVar(&cfg.version, "version", "", "engine version (v1 or v15, server default when empty)")
	flag.StringVar(&cfg.audioFile, "audio", "", "PCM16LE or WAV file to replay (synthetic tone when empty)")
	flag.IntVar(&cfg.chunks, "chunks", 4, "number of audio chunks to send")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 1000, "audio chunk size in milliseconds")
	flag.IntVar(&cfg.sampleRate, "sample-rate", 16000, "sample rate of replayed PCM")
	flag.StringVar(&cfg.outDir, "out-dir", "", "directory for received video chunks (discarded when empty)")
	flag.IntVar(&chunkTimeoutMS, "chunk-timeout-ms", 180000, "timeout waiting for each video chunk in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print probe progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.avatarVideo) == "" {
		return options{}, fmt.Errorf("avatar-video is required")
	}
	if cfg.chunks <= 0 {
		return options{}, fmt.Errorf("chunks must be > 0")
	}
	if cfg.chunkMS < 100 || cfg.chunkMS > 30000 {
		return options{}, fmt.Errorf("chunk-ms must be in [100,30000]")
	}
	if cfg.sampleRate <= 0 {
		return options{}, fmt.Errorf("sample-rate must be > 0")
	}
	if chunkTimeoutMS < 1000 {
		chunkTimeoutMS = 1000
	}
	cfg.chunkTimeout = time.Duration(chunkTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	video, err := os.ReadFile(cfg.avatarVideo)
	if err != nil {
		return fmt.Errorf("read avatar video: %w", err)
	}
	chunks, err := loadChunks(cfg)
	if err != nil {
		return fmt.Errorf("prepare audio chunks: %w", err)
	}
	if cfg.outDir != "" {
		if err := os.MkdirAll(cfg.outDir, 0o755); err != nil {
			return fmt.Errorf("create out dir: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	wsURL, err := streamURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	var greeting protocol.ConnectionEstablished
	if err := readInto(conn, cfg.chunkTimeout, &greeting); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("streamprobe: connected client_id=%s\n", greeting.ClientID)
	}

	prepStart := time.Now()
	if err := conn.WriteJSON(protocol.InitializeAvatar{
		Type:            protocol.TypeInitializeAvatar,
		AvatarID:        cfg.avatarID,
		AvatarVideoData: base64.StdEncoding.EncodeToString(video),
		Version:         cfg.version,
	}); err != nil {
		return fmt.Errorf("send initialize_avatar: %w", err)
	}
	if err := awaitReady(conn, cfg.chunkTimeout); err != nil {
		return err
	}
	if cfg.verbose {
		fmt.Printf("streamprobe: avatar %s ready in %s\n", cfg.avatarID, time.Since(prepStart).Round(time.Millisecond))
	}

	sent := make(map[int]time.Time, len(chunks))
	var latencies []time.Duration
	received := 0

	for i, pcm := range chunks {
		sent[i] = time.Now()
		if err := conn.WriteJSON(protocol.AudioChunk{
			Type:       protocol.TypeAudioChunk,
			AudioData:  base64.StdEncoding.EncodeToString(pcm),
			SampleRate: cfg.sampleRate,
		}); err != nil {
			return fmt.Errorf("send chunk %d: %w", i, err)
		}
	}

	for received < len(chunks) {
		typ, raw, err := readRaw(conn, cfg.chunkTimeout)
		if err != nil {
			return fmt.Errorf("await video chunks (%d/%d received): %w", received, len(chunks), err)
		}
		switch typ {
		case protocol.TypeAudioReceived:
		case protocol.TypeVideoChunk:
			var chunk protocol.VideoChunk
			if err := json.Unmarshal(raw, &chunk); err != nil {
				return fmt.Errorf("decode video_chunk: %w", err)
			}
			latency := time.Since(sent[chunk.Seq])
			latencies = append(latencies, latency)
			received++
			data, err := base64.StdEncoding.DecodeString(chunk.VideoData)
			if err != nil {
				return fmt.Errorf("decode chunk %d payload: %w", chunk.Seq, err)
			}
			if cfg.verbose {
				fmt.Printf("streamprobe: chunk %d done latency=%s bytes=%d\n", chunk.Seq, latency.Round(time.Millisecond), len(data))
			}
			if cfg.outDir != "" {
				out := filepath.Join(cfg.outDir, fmt.Sprintf("chunk_%03d.mp4", chunk.Seq))
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return fmt.Errorf("write chunk %d: %w", chunk.Seq, err)
				}
			}
		case protocol.TypeError:
			var msg protocol.Error
			_ = json.Unmarshal(raw, &msg)
			return fmt.Errorf("server error %s: %s", msg.Code, msg.Message)
		}
	}

	printSummary(latencies)
	return nil
}

func awaitReady(conn *websocket.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		typ, raw, err := readRaw(conn, time.Until(deadline))
		if err != nil {
			return fmt.Errorf("await avatar_ready: %w", err)
		}
		switch typ {
		case protocol.TypeAvatarInitStarted:
		case protocol.TypeAvatarReady:
			return nil
		case protocol.TypeError:
			var msg protocol.Error
			_ = json.Unmarshal(raw, &msg)
			return fmt.Errorf("initialize failed %s: %s", msg.Code, msg.Message)
		}
	}
	return fmt.Errorf("avatar_ready not received within %s", timeout)
}

// loadChunks slices the replay audio into fixed-duration PCM chunks. Without
// an input file it synthesizes a 440Hz tone so the probe works standalone.
func loadChunks(cfg options) ([][]byte, error) {
	chunkBytes := cfg.sampleRate * cfg.chunkMS / 1000 * 2

	var pcm []byte
	if cfg.audioFile != "" {
		data, err := os.ReadFile(cfg.audioFile)
		if err != nil {
			return nil, err
		}
		if audio.LooksLikeWAV(data) && len(data) > 44 {
			// Assume a canonical 44-byte header; good enough for probe input.
			data = data[44:]
		}
		pcm = data
	} else {
		pcm = synthTone(cfg.sampleRate, cfg.chunks*cfg.chunkMS)
	}

	var chunks [][]byte
	for off := 0; off < len(pcm) && len(chunks) < cfg.chunks; off += chunkBytes {
		end := off + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunks = append(chunks, pcm[off:end])
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("replay audio is empty")
	}
	return chunks, nil
}

func synthTone(sampleRate, totalMS int) []byte {
	samples := sampleRate * totalMS / 1000
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func streamURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/stream"
	return u.String(), nil
}

func readInto(conn *websocket.Conn, timeout time.Duration, out any) error {
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func readRaw(conn *websocket.Conn, timeout time.Duration) (protocol.MessageType, []byte, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, err
	}
	return env.Type, raw, nil
}

func printSummary(latencies []time.Duration) {
	if len(latencies) == 0 {
		fmt.Println("streamprobe: no chunks completed")
		return
	}
	min, max, sum := latencies[0], latencies[0], time.Duration(0)
	for _, l := range latencies {
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
		sum += l
	}
	avg := sum / time.Duration(len(latencies))
	fmt.Printf("streamprobe: %d chunks min=%s avg=%s max=%s\n",
		len(latencies), min.Round(time.Millisecond), avg.Round(time.Millisecond), max.Round(time.Millisecond))
}
