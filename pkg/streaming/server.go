// Package streaming receives raw call audio over websocket, runs VAD and
// continuous recognition on it, and hands resolved turns to the call worker.
package streaming

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbot/pkg/adapters/stt"
	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/logging"
	"github.com/harunnryd/callbot/pkg/vad"
)

// Server accepts one websocket per call at <path><channel id>. Binary
// messages carry little-endian mono PCM16.
type Server struct {
	cfg         Config
	server      *http.Server
	upgrader    websocket.Upgrader
	recognizers stt.RecognizerFactory
	deps        SessionDeps
	log         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	conns    map[string]*websocket.Conn

	draining atomic.Bool
}

func NewServer(cfg Config, recognizers stt.RecognizerFactory, deps SessionDeps) *Server {
	cfg = cfg.withDefaults()
	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recognizers: recognizers,
		deps:        deps,
		log:         logging.NewComponentLogger(base, "streaming"),
		sessions:    make(map[string]*Session),
		conns:       make(map[string]*websocket.Conn),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

func (s *Server) Config() Config { return s.cfg }

// Handler exposes the stream endpoint and a health probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("streaming_server_error", "error", err.Error())
		}
	}()
	s.log.Info("streaming_server_started", "addr", s.cfg.Addr, "path", s.cfg.Path)
	return nil
}

func (s *Server) Stop() error {
	s.draining.Store(true)
	if s.server != nil {
		_ = s.server.Close()
	}
	s.mu.Lock()
	for id, conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, id)
	}
	s.mu.Unlock()
	return nil
}

// Session returns the session for channelID, creating it on first use. The
// call worker and the audio connection may arrive in either order.
func (s *Server) Session(channelID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionLocked(channelID)
}

// Claim is Session for the call worker. A claimed session lives until
// Release; an unclaimed one is dropped when its stream closes.
func (s *Server) Claim(channelID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessionLocked(channelID)
	sess.claimed = true
	return sess
}

func (s *Server) sessionLocked(channelID string) *Session {
	if sess := s.sessions[channelID]; sess != nil {
		return sess
	}
	sess := NewSession(channelID, s.cfg, s.deps)
	s.sessions[channelID] = sess
	return sess
}

func (s *Server) dropUnclaimed(channelID string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.sessions[channelID]; cur == sess && !sess.claimed && s.conns[channelID] == nil {
		delete(s.sessions, channelID)
		s.log.Debug("stream_session_dropped", "call_id", channelID)
	}
}

// Release forgets the session and drops its audio connection.
func (s *Server) Release(channelID string) {
	s.mu.Lock()
	conn := s.conns[channelID]
	delete(s.conns, channelID)
	delete(s.sessions, channelID)
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Sessions is the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, s.cfg.Path), "/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if old := s.attach(id, conn); old != nil {
		_ = old.Close()
	}
	s.log.Info("stream_connected", "call_id", id)
	sess := s.Session(id)
	frames := s.stream(sess, conn)
	s.detach(id, conn)
	s.dropUnclaimed(id, sess)
	s.log.Info("stream_closed", "call_id", id, "frames", frames)
}

func (s *Server) stream(sess *Session, conn *websocket.Conn) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	det := vad.New(s.cfg.vadConfig())
	tracker := vad.NewRunTracker(det.FrameDuration(), s.cfg.endSilence())
	rec := s.startRecognizer(ctx, sess)

	var wg sync.WaitGroup
	if rec != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for res := range rec.Results() {
				sess.OnResult(ctx, res)
			}
		}()
	}

	size := det.FrameBytes()
	buf := make([]byte, 0, size*4)
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		buf = append(buf, msg...)
		for len(buf) >= size {
			frame := append([]byte(nil), buf[:size]...)
			buf = append(buf[:0], buf[size:]...)
			s.onFrame(sess, det, tracker, rec, frame)
		}
	}
	if rec != nil {
		_ = rec.Close()
	}
	wg.Wait()
	return tracker.Frames()
}

func (s *Server) startRecognizer(ctx context.Context, sess *Session) stt.StreamingRecognizer {
	if s.recognizers == nil {
		return nil
	}
	rec := s.recognizers(stt.Config{SessionID: sess.ID(), SampleRate: s.cfg.SampleRate, Language: s.cfg.Language})
	if rec == nil {
		return nil
	}
	if err := rec.Start(ctx); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonRecognizerConnect)
		s.log.Warn("recognizer_start_failed", "call_id", sess.ID(), "recognizer", rec.Name(), "error", err.Error(), "reason_code", string(errorsx.Reason(err)))
		return nil
	}
	return rec
}

func (s *Server) onFrame(sess *Session, det *vad.Detector, tracker *vad.RunTracker, rec stt.StreamingRecognizer, frame []byte) {
	sess.FeedGreeting(frame)
	switch tracker.Observe(det.IsSpeech(frame)) {
	case vad.SpeechStart:
		sess.OnSpeechStart()
	case vad.SpeechEnd:
		sess.OnSpeechEnd()
	}
	if rec == nil {
		return
	}
	if err := rec.SendAudio(frame); err != nil {
		s.log.Debug("recognizer_send_failed", "call_id", sess.ID(), "error", err.Error(), "reason_code", string(errorsx.ReasonRecognizerSend))
		return
	}
	sess.MarkAudio(time.Now())
}

func (s *Server) attach(id string, conn *websocket.Conn) *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.conns[id]
	s.conns[id] = conn
	return old
}

func (s *Server) detach(id string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[id] == conn {
		delete(s.conns, id)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}
