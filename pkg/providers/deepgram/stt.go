package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callbot/pkg/adapters/stt"
	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        *bool  `mapstructure:"interim"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	SessionID      string `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "fr"
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	return c
}

// Recognizer streams call audio to Deepgram and emits partial and final results.
type Recognizer struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan stt.Result
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	logger     *slog.Logger

	lastAudio atomic.Int64
	closeOnce sync.Once
}

func New(cfg Config) *Recognizer {
	return &Recognizer{
		cfg:    cfg.withDefaults(),
		out:    make(chan stt.Result, 64),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_recognizer"),
	}
}

func (r *Recognizer) Name() string { return "deepgram_streaming" }

func (r *Recognizer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.pipeReader, r.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	interim := true
	if r.cfg.Interim != nil {
		interim = *r.cfg.Interim
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          r.cfg.Model,
		Language:       r.cfg.Language,
		Encoding:       r.cfg.Encoding,
		SampleRate:     r.cfg.SampleRate,
		Channels:       1,
		InterimResults: interim,
		SmartFormat:    true,
	}
	if r.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", r.cfg.UtteranceEndMS)
	}

	dgClient, err := client.NewWSUsingCallback(r.ctx, r.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: r})
	if err != nil {
		r.logger.Error("deepgram_client_create_error", "error", err.Error(), "session_id", r.cfg.SessionID)
		return errorsx.Wrap(err, errorsx.ReasonRecognizerConnect)
	}
	r.dgClient = dgClient

	if connected := r.dgClient.Connect(); !connected {
		r.logger.Error("deepgram_connect_failed", "session_id", r.cfg.SessionID)
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonRecognizerConnect)
	}
	r.logger.Info("deepgram_connected", "session_id", r.cfg.SessionID, "model", r.cfg.Model)

	go func() {
		if err := r.dgClient.Stream(r.pipeReader); err != nil && r.ctx.Err() == nil {
			r.logger.Error("deepgram_stream_error", "error", err.Error(), "session_id", r.cfg.SessionID)
		}
	}()
	return nil
}

func (r *Recognizer) Close() error {
	r.closeOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		if r.pipeWriter != nil {
			_ = r.pipeWriter.Close()
		}
		if r.dgClient != nil {
			r.dgClient.Stop()
		}
		close(r.out)
	})
	return nil
}

func (r *Recognizer) SendAudio(pcm []byte) error {
	if r.pipeWriter == nil {
		return errorsx.Wrap(fmt.Errorf("not started"), errorsx.ReasonRecognizerSend)
	}
	r.lastAudio.Store(time.Now().UnixNano())
	if _, err := r.pipeWriter.Write(pcm); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRecognizerSend)
	}
	return nil
}

func (r *Recognizer) Results() <-chan stt.Result { return r.out }

func (r *Recognizer) emit(res stt.Result) {
	defer func() {
		// out is closed by Close while the SDK may still deliver a late message.
		_ = recover()
	}()
	select {
	case r.out <- res:
	default:
		r.logger.Warn("deepgram_out_channel_full", "session_id", r.cfg.SessionID)
	}
}

type callback struct {
	parent *Recognizer
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Debug("deepgram_connection_opened", "session_id", c.parent.cfg.SessionID)
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	now := time.Now()
	var latency time.Duration
	if last := c.parent.lastAudio.Load(); last > 0 {
		latency = now.Sub(time.Unix(0, last))
	}
	kind := stt.ResultPartial
	if mr.IsFinal || mr.SpeechFinal {
		kind = stt.ResultFinal
	}
	c.parent.emit(stt.Result{
		Kind:       kind,
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		Latency:    latency,
		At:         now,
	})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.logger.Debug("deepgram_metadata_received", "session_id", c.parent.cfg.SessionID, "request_id", md.RequestID)
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event", "session_id", c.parent.cfg.SessionID)
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed", "session_id", c.parent.cfg.SessionID)
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", "session_id", c.parent.cfg.SessionID, "data", string(byData))
	return nil
}

var _ stt.StreamingRecognizer = (*Recognizer)(nil)
