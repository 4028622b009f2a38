package ari

import (
	"net/url"
	"strings"
	"time"
)

// Config describes how to reach the PBX REST interface and event stream.
type Config struct {
	URL              string `mapstructure:"url"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	App              string `mapstructure:"app"`
	ReconnectDelayMS int    `mapstructure:"reconnect_delay_ms"`
	RequestTimeoutMS int    `mapstructure:"request_timeout_ms"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = "http://localhost:8088"
	}
	c.URL = strings.TrimRight(c.URL, "/")
	if c.App == "" {
		c.App = "robot"
	}
	if c.ReconnectDelayMS <= 0 {
		c.ReconnectDelayMS = 5000
	}
	if c.RequestTimeoutMS <= 0 {
		c.RequestTimeoutMS = 10000
	}
	return c
}

// ReconnectDelay is the pause before re-dialing a dropped event stream.
func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.withDefaults().ReconnectDelayMS) * time.Millisecond
}

// EventsURL builds the websocket URL of the event stream, credentials included.
func (c Config) EventsURL() string {
	c = c.withDefaults()
	base := c.URL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("app", c.App)
	q.Set("api_key", c.Username+":"+c.Password)
	return base + "/ari/events?" + q.Encode()
}
