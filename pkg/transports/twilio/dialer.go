// Package twilio places queue calls through the Twilio REST API and bridges
// them into the PBX over SIP, where the usual dialplan and event app take over.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/logging"
	"github.com/harunnryd/callbot/pkg/queue"
	"github.com/harunnryd/callbot/pkg/redact"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type Config struct {
	ServerAddr string `mapstructure:"server_addr"`
	PublicURL  string `mapstructure:"public_url"`
	AuthToken  string `mapstructure:"auth_token"`
	AccountSID string `mapstructure:"account_sid"`
	From       string `mapstructure:"from"`
	VoicePath  string `mapstructure:"voice_path"`
	// SIPDomain is the PBX address the answered call is bridged to.
	SIPDomain string `mapstructure:"sip_domain"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	return c
}

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
}

// Dialer provides outbound call creation via Twilio REST API.
type Dialer struct {
	cfg    Config
	client callCreator
	log    *slog.Logger
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults(), log: logging.NewComponentLogger(slog.Default(), "twilio_dialer")}
}

// Launch dials the queue entry; the webhook carries scenario and campaign
// so the voice handler can hand them to the PBX.
func (d *Dialer) Launch(ctx context.Context, req queue.LaunchRequest) (string, error) {
	q := url.Values{}
	q.Set("phone", req.Phone)
	if req.Scenario != "" {
		q.Set("scenario", req.Scenario)
	}
	if req.CampaignID != "" {
		q.Set("campaign_id", req.CampaignID)
	}
	sid, err := d.Dial(ctx, req.Phone, d.cfg.From, d.voiceWebhookURL()+"?"+q.Encode())
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonLaunch)
	}
	d.log.Info("call_dialed", "call_sid", sid, "phone", redact.Phone(req.Phone), "scenario", req.Scenario)
	return sid, nil
}

// Dial places an outbound call using Twilio.
func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	return d.DialWithOptions(ctx, to, from, url, DialOptions{})
}

func (d *Dialer) DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (string, error) {
	_ = ctx
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	if url == "" {
		url = d.voiceWebhookURL()
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(url)
	if strings.TrimSpace(opts.SendDigits) != "" {
		params.SetSendDigits(opts.SendDigits)
	}
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("missing call sid")
	}
	return *resp.Sid, nil
}

func (d *Dialer) voiceWebhookURL() string {
	if d.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.VoicePath
	}
	addr := d.cfg.ServerAddr
	if addr[0] == ':' {
		addr = "localhost" + addr
	}
	return "http://" + addr + d.cfg.VoicePath
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var _ queue.Launcher = (*Dialer)(nil)
