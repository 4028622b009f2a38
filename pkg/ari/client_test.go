package ari

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/harunnryd/callbot/pkg/errorsx"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
}

func newFakePBX(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *[]recordedRequest, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "robot" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		reqs = append(reqs, recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery})
		mu.Unlock()
		handle(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs, &mu
}

func testClient(url string) *Client {
	return NewClient(Config{URL: url, Username: "robot", Password: "secret"}, nil)
}

func TestAnswerFailureCarriesReason(t *testing.T) {
	srv, _, _ := newFakePBX(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"Channel not in Stasis application"}`))
	})
	err := testClient(srv.URL).Answer(context.Background(), "chan-1")
	if err == nil {
		t.Fatalf("expected answer error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonARIAnswer) {
		t.Fatalf("expected answer reason, got %s", errorsx.Reason(err))
	}
}

func TestPlaybackExistsTreats404AsDone(t *testing.T) {
	srv, reqs, mu := newFakePBX(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/pb-live") {
			_ = json.NewEncoder(w).Encode(Playback{ID: "pb-live", State: "playing"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	c := testClient(srv.URL)
	live, err := c.PlaybackExists(context.Background(), "pb-live")
	if err != nil || !live {
		t.Fatalf("expected live playback, got %v %v", live, err)
	}
	done, err := c.PlaybackExists(context.Background(), "pb-gone")
	if err != nil || done {
		t.Fatalf("expected finished playback, got %v %v", done, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if (*reqs)[0].Path != "/ari/playbacks/pb-live" {
		t.Fatalf("unexpected path %s", (*reqs)[0].Path)
	}
}

func TestStopChannelPlaybacksFiltersTarget(t *testing.T) {
	srv, reqs, mu := newFakePBX(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode([]Playback{
				{ID: "a", TargetURI: "channel:chan-1"},
				{ID: "b", TargetURI: "channel:chan-2"},
			})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	n, err := testClient(srv.URL).StopChannelPlaybacks(context.Background(), "chan-1")
	if err != nil {
		t.Fatalf("stop playbacks: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stopped playback, got %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	last := (*reqs)[len(*reqs)-1]
	if last.Method != http.MethodDelete || last.Path != "/ari/playbacks/a" {
		t.Fatalf("unexpected stop request %+v", last)
	}
}

func TestRecordSendsParameters(t *testing.T) {
	srv, reqs, mu := newFakePBX(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	err := testClient(srv.URL).Record(context.Background(), "chan-1", RecordOptions{
		Name:               "rec-1",
		MaxDurationSeconds: 30,
		TerminateOn:        "#",
		IfExists:           "overwrite",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	q := (*reqs)[0].Query
	for _, want := range []string{"name=rec-1", "format=wav", "maxDurationSeconds=30", "beep=false", "ifExists=overwrite", "terminateOn=%23"} {
		if !strings.Contains(q, want) {
			t.Fatalf("expected %q in query %q", want, q)
		}
	}
	if strings.Contains(q, "maxSilenceSeconds") {
		t.Fatalf("native silence detection must not be requested: %q", q)
	}
}

func TestOriginateReturnsChannel(t *testing.T) {
	var got OriginateRequest
	srv, _, _ := newFakePBX(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(Channel{ID: "1712.42"})
	})
	ch, err := testClient(srv.URL).Originate(context.Background(), OriginateRequest{
		Endpoint:  "PJSIP/0612345678@bitcall",
		Context:   "outbound-robot",
		Extension: "0612345678",
		Priority:  1,
		Variables: map[string]string{"ARG1": "0612345678"},
	})
	if err != nil {
		t.Fatalf("originate: %v", err)
	}
	if ch.ID != "1712.42" || got.Endpoint != "PJSIP/0612345678@bitcall" || got.Variables["ARG1"] != "0612345678" {
		t.Fatalf("unexpected originate exchange %+v %+v", ch, got)
	}
}

func TestEventsURL(t *testing.T) {
	u := Config{URL: "http://pbx:8088/", Username: "robot", Password: "p"}.EventsURL()
	if !strings.HasPrefix(u, "ws://pbx:8088/ari/events?") || !strings.Contains(u, "app=robot") || !strings.Contains(u, "api_key=robot%3Ap") {
		t.Fatalf("unexpected events url %s", u)
	}
}
