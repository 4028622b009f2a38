package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/callbot/pkg/ari"
	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/logging"
	"github.com/harunnryd/callbot/pkg/redact"
	"github.com/harunnryd/callbot/pkg/resilience"
)

// LaunchRequest is one outbound call to place.
type LaunchRequest struct {
	Phone      string
	Scenario   string
	CampaignID string
}

// Launcher places an outbound call and returns its call id.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (string, error)
}

type LaunchFunc func(ctx context.Context, req LaunchRequest) (string, error)

func (f LaunchFunc) Launch(ctx context.Context, req LaunchRequest) (string, error) { return f(ctx, req) }

type Originator interface {
	Originate(ctx context.Context, req ari.OriginateRequest) (ari.Channel, error)
}

type ARILauncherConfig struct {
	Trunk          string `mapstructure:"trunk"`
	Context        string `mapstructure:"context"`
	Priority       int    `mapstructure:"priority"`
	CallerID       string `mapstructure:"caller_id"`
	TimeoutS       int    `mapstructure:"timeout_s"`
	MaxRetries     int    `mapstructure:"max_retries"`
	RetryBackoffMS int    `mapstructure:"retry_backoff_ms"`
}

func (c ARILauncherConfig) withDefaults() ARILauncherConfig {
	if c.Trunk == "" {
		c.Trunk = "bitcall"
	}
	if c.Context == "" {
		c.Context = "outbound-robot"
	}
	if c.Priority <= 0 {
		c.Priority = 1
	}
	if c.TimeoutS <= 0 {
		c.TimeoutS = 30
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// ARILauncher originates PJSIP/<number>@<trunk> into the dialplan context,
// which runs the PBX-side AMD and hands the channel to the app with ARG1..3.
type ARILauncher struct {
	cfg    ARILauncherConfig
	client Originator
	retry  resilience.RetryPolicy
	log    *slog.Logger
}

func NewARILauncher(cfg ARILauncherConfig, client Originator) *ARILauncher {
	cfg = cfg.withDefaults()
	retry := resilience.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		Backoff:    time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
		Retryable:  retryableOriginate,
	}
	if cfg.MaxRetries > 0 && retry.Backoff <= 0 {
		retry.Backoff = 500 * time.Millisecond
	}
	return &ARILauncher{
		cfg:    cfg,
		client: client,
		retry:  retry,
		log:    logging.NewComponentLogger(slog.Default(), "ari_launcher"),
	}
}

// Request builds the originate body for a launch.
func (l *ARILauncher) Request(req LaunchRequest) ari.OriginateRequest {
	return ari.OriginateRequest{
		Endpoint:  fmt.Sprintf("PJSIP/%s@%s", req.Phone, l.cfg.Trunk),
		Context:   l.cfg.Context,
		Extension: req.Phone,
		Priority:  l.cfg.Priority,
		CallerID:  l.cfg.CallerID,
		Timeout:   l.cfg.TimeoutS,
		Variables: map[string]string{
			"ARG1": req.Phone,
			"ARG2": req.Scenario,
			"ARG3": req.CampaignID,
		},
	}
}

func (l *ARILauncher) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	if strings.TrimSpace(req.Phone) == "" {
		return "", errorsx.Wrap(errors.New("phone number required"), errorsx.ReasonLaunch)
	}
	body := l.Request(req)
	var id string
	err := l.retry.DoContext(ctx, func(ctx context.Context) error {
		ch, err := l.client.Originate(ctx, body)
		if err != nil {
			return err
		}
		id = ch.ID
		return nil
	})
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonLaunch)
	}
	l.log.Info("call_originated", "call_id", id, "phone", redact.Phone(req.Phone), "scenario", req.Scenario)
	return id, nil
}

// retryableOriginate retries 5xx and 429 answers and PBX link failures.
// Other 4xx answers mean the request itself is wrong.
func retryableOriginate(err error) bool {
	var se *ari.StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}
	return errorsx.Transient(err) || errorsx.Reason(err) == errorsx.ReasonUnknown
}

var _ Launcher = (*ARILauncher)(nil)
