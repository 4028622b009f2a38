package twilio

import (
	"bytes"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/harunnryd/callbot/pkg/errorsx"
	twilioclient "github.com/twilio/twilio-go/client"
)

// VoiceHandler answers the outbound webhook with TwiML bridging the call to
// sip:<phone>@<sip_domain>, passing scenario and campaign as SIP headers.
type VoiceHandler struct {
	cfg Config
}

func NewVoiceHandler(cfg Config) *VoiceHandler {
	return &VoiceHandler{cfg: cfg.withDefaults()}
}

func (h *VoiceHandler) Path() string { return h.cfg.VoicePath }

func (h *VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.cfg.AuthToken != "" && !h.validateTwilioRequest(r) {
		slog.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonLaunch))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	q := r.URL.Query()
	phone := q.Get("phone")
	if phone == "" || h.cfg.SIPDomain == "" {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(`<Response><Hangup/></Response>`))
		return
	}
	headers := url.Values{}
	if v := q.Get("scenario"); v != "" {
		headers.Set("X-Scenario", v)
	}
	if v := q.Get("campaign_id"); v != "" {
		headers.Set("X-Campaign", v)
	}
	uri := "sip:" + phone + "@" + h.cfg.SIPDomain
	if len(headers) > 0 {
		uri += "?" + headers.Encode()
	}
	twiml := `<Response><Dial><Sip>` + xmlEscape(uri) + `</Sip></Dial></Response>`
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (h *VoiceHandler) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(h.cfg.AuthToken)
	return validator.ValidateBody(h.requestURL(r), body, signature)
}

func (h *VoiceHandler) requestURL(r *http.Request) string {
	if h.cfg.PublicURL != "" {
		base := strings.TrimRight(h.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(h.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
