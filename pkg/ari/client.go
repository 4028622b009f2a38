package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/logging"
)

// StatusError is returned when the PBX answers a command with a non-2xx status.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ari %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// IsNotFound reports whether err is a 404 from the PBX.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}

// RecordOptions mirror the channel record command parameters.
type RecordOptions struct {
	Name               string
	Format             string
	MaxDurationSeconds int
	MaxSilenceSeconds  int
	TerminateOn        string
	Beep               bool
	IfExists           string
}

// OriginateRequest starts an outbound channel into the dialplan.
type OriginateRequest struct {
	Endpoint  string            `json:"endpoint"`
	Context   string            `json:"context,omitempty"`
	Extension string            `json:"extension,omitempty"`
	Priority  int               `json:"priority,omitempty"`
	App       string            `json:"app,omitempty"`
	CallerID  string            `json:"callerId,omitempty"`
	Timeout   int               `json:"timeout,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Client issues REST commands against the PBX.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	cfg = cfg.withDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond}
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logging.NewComponentLogger(slog.Default(), "ari_client"),
	}
}

func (c *Client) App() string { return c.cfg.App }

func (c *Client) Answer(ctx context.Context, channelID string) error {
	_, err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil, nil)
	return errorsx.Wrap(err, errorsx.ReasonARIAnswer)
}

func (c *Client) Play(ctx context.Context, channelID, media, playbackID string) (Playback, error) {
	q := url.Values{}
	q.Set("media", media)
	if playbackID != "" {
		q.Set("playbackId", playbackID)
	}
	var pb Playback
	_, err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/play", q, nil, &pb)
	if err != nil {
		return Playback{}, errorsx.Wrap(err, errorsx.ReasonPlayback)
	}
	if pb.ID == "" {
		pb.ID = playbackID
	}
	return pb, nil
}

// PlaybackExists returns false once the playback is gone (404).
func (c *Client) PlaybackExists(ctx context.Context, playbackID string) (bool, error) {
	_, err := c.do(ctx, http.MethodGet, "/playbacks/"+url.PathEscape(playbackID), nil, nil, nil)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errorsx.Wrap(err, errorsx.ReasonPlayback)
	}
	return true, nil
}

func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/playbacks/"+url.PathEscape(playbackID), nil, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return errorsx.Wrap(err, errorsx.ReasonPlayback)
}

func (c *Client) ListPlaybacks(ctx context.Context) ([]Playback, error) {
	var out []Playback
	if _, err := c.do(ctx, http.MethodGet, "/playbacks", nil, nil, &out); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonPlayback)
	}
	return out, nil
}

// StopChannelPlaybacks stops every playback targeting the channel and returns how many were stopped.
func (c *Client) StopChannelPlaybacks(ctx context.Context, channelID string) (int, error) {
	list, err := c.ListPlaybacks(ctx)
	if err != nil {
		return 0, err
	}
	stopped := 0
	for _, pb := range list {
		if !pb.TargetsChannel(channelID) {
			continue
		}
		if err := c.StopPlayback(ctx, pb.ID); err != nil {
			c.logger.Warn("playback_stop_failed", "channel", channelID, "playback", pb.ID, "error", err.Error())
			continue
		}
		stopped++
	}
	return stopped, nil
}

func (c *Client) Record(ctx context.Context, channelID string, opts RecordOptions) error {
	q := url.Values{}
	q.Set("name", opts.Name)
	format := opts.Format
	if format == "" {
		format = "wav"
	}
	q.Set("format", format)
	q.Set("maxDurationSeconds", strconv.Itoa(opts.MaxDurationSeconds))
	if opts.MaxSilenceSeconds > 0 {
		q.Set("maxSilenceSeconds", strconv.Itoa(opts.MaxSilenceSeconds))
	}
	if opts.TerminateOn != "" {
		q.Set("terminateOn", opts.TerminateOn)
	}
	q.Set("beep", strconv.FormatBool(opts.Beep))
	if opts.IfExists != "" {
		q.Set("ifExists", opts.IfExists)
	}
	_, err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/record", q, nil, nil)
	return errorsx.Wrap(err, errorsx.ReasonRecording)
}

// LiveRecordingExists returns false once the recording has ended (404).
func (c *Client) LiveRecordingExists(ctx context.Context, name string) (bool, error) {
	_, err := c.do(ctx, http.MethodGet, "/recordings/live/"+url.PathEscape(name), nil, nil, nil)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errorsx.Wrap(err, errorsx.ReasonRecording)
	}
	return true, nil
}

func (c *Client) StopRecording(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodPost, "/recordings/live/"+url.PathEscape(name)+"/stop", nil, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return errorsx.Wrap(err, errorsx.ReasonRecording)
}

func (c *Client) Hangup(ctx context.Context, channelID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return errorsx.Wrap(err, errorsx.ReasonARICommand)
}

// Originate creates an outbound channel and returns it.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (Channel, error) {
	var ch Channel
	if _, err := c.do(ctx, http.MethodPost, "/channels", nil, req, &ch); err != nil {
		return Channel{}, errorsx.Wrap(err, errorsx.ReasonLaunch)
	}
	if ch.ID == "" {
		return Channel{}, errorsx.Wrap(errors.New("originate: empty channel id"), errorsx.ReasonLaunch)
	}
	return ch, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.cfg.URL + "/ari" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ari %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return resp.StatusCode, &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}
