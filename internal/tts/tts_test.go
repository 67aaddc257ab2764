package tts

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openai/openai-go/option"

	"github.com/chadiek/chemtutor/internal/cache"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"code_block", "Run this ```python\nprint(1)\n``` now.", "Run this now."},
		{"emphasis", "**Water** is *polar*.", "Water is polar."},
		{"heading", "## Acids and bases", "Acids and bases"},
		{"citation", "Water boils at 100C [2].", "Water boils at 100C."},
		{"event", "Done. [EVENT] tool=draw", "Done."},
		{"punct_spacing", "Hi !How are you ?Fine;thanks:ok", "Hi! How are you? Fine; thanks: ok"},
		{"decimal", "Pi is about 3.14 and it is 10:30.", "Pi is about 3.14 and it is 10:30."},
		{"ellipsis", "Wait...   what", "Wait... what"},
		{"devanagari", "Waterपानी", "Water पानी"},
		{"only_markup", "```x```", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.in); got != tc.want {
				t.Fatalf("Normalize(%q)=%q want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestScriptVoices(t *testing.T) {
	p := DefaultVoicePolicy()
	if v := p("Water is H2O."); v != "alloy" {
		t.Fatalf("latin text should use alloy, got %s", v)
	}
	if v := p("पानी H2O हो।"); v != "fable" {
		t.Fatalf("devanagari text should use fable, got %s", v)
	}
	custom := ScriptVoices("nova", map[string]string{"Greek": "echo", "Bogus": "x"})
	if v := custom("α particle"); v != "echo" {
		t.Fatalf("expected echo, got %s", v)
	}
	if v := custom("plain"); v != "nova" {
		t.Fatalf("expected default, got %s", v)
	}
}

type fakeBackend struct {
	calls int32
	err   error
	data  []byte
	last  atomic.Value
}

func (f *fakeBackend) Name() string     { return "fake" }
func (f *fakeBackend) MIMEType() string { return "audio/test" }
func (f *fakeBackend) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	f.last.Store(voice + "|" + text)
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func TestSynthesizer_NormalizesAndPicksVoice(t *testing.T) {
	b := &fakeBackend{data: []byte("mp3")}
	s := New(b)
	a, err := s.Synthesize(context.Background(), "**Water** is a *polar* molecule [1].")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if a.Voice != "alloy" || a.MIMEType != "audio/test" || string(a.Data) != "mp3" {
		t.Fatalf("unexpected audio %+v", a)
	}
	if got := b.last.Load().(string); got != "alloy|Water is a polar molecule." {
		t.Fatalf("backend saw %q", got)
	}
	if _, err := s.SynthesizeVoice(context.Background(), "hello there friend", "onyx"); err != nil {
		t.Fatalf("synthesize voice: %v", err)
	}
	if got := b.last.Load().(string); !strings.HasPrefix(got, "onyx|") {
		t.Fatalf("explicit voice ignored: %q", got)
	}
}

func TestSynthesizer_EmptyInput(t *testing.T) {
	s := New(&fakeBackend{data: []byte("x")})
	_, err := s.Synthesize(context.Background(), "``` only code ```")
	var se *SynthesisError
	if !errors.As(err, &se) || !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected SynthesisError wrapping ErrEmptyInput, got %v", err)
	}
}

func TestSynthesizer_TruncatesAtCeiling(t *testing.T) {
	b := &fakeBackend{data: []byte("x")}
	s := New(b, WithMaxChars(20))
	a, err := s.Synthesize(context.Background(), strings.Repeat("a", 50))
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if a.Text != strings.Repeat("a", 20)+"..." {
		t.Fatalf("unexpected truncated text %q", a.Text)
	}
}

func TestSynthesizer_BackendFailureIsSynthesisError(t *testing.T) {
	s := New(&fakeBackend{err: errors.New("rejected")})
	_, err := s.Synthesize(context.Background(), "Water is a polar molecule.")
	var se *SynthesisError
	if !errors.As(err, &se) || se.Backend != "fake" {
		t.Fatalf("expected SynthesisError from fake, got %v", err)
	}
	if _, err := New(&fakeBackend{}).Synthesize(context.Background(), "Water is polar."); err == nil {
		t.Fatalf("empty payload must be an error")
	}
}

func TestSynthesizer_CacheAvoidsSecondCall(t *testing.T) {
	b := &fakeBackend{data: []byte("audio")}
	s := New(b, WithCache(cache.NewMemory(1024)))
	for i := 0; i < 3; i++ {
		if _, err := s.Synthesize(context.Background(), "Ethanol is an alcohol."); err != nil {
			t.Fatalf("synthesize: %v", err)
		}
	}
	if n := atomic.LoadInt32(&b.calls); n != 1 {
		t.Fatalf("expected one backend call, got %d", n)
	}
}

func TestSynthesizer_RateLimitHonorsContext(t *testing.T) {
	s := New(&fakeBackend{data: []byte("x")}, WithRateLimit(0.001, 1))
	if _, err := s.Synthesize(context.Background(), "first sentence here."); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Synthesize(ctx, "second sentence here."); err == nil {
		t.Fatalf("expected limiter wait to fail")
	}
}

func TestSynthesizer_Speakable(t *testing.T) {
	s := New(&fakeBackend{})
	if s.Speakable("[1] **ok**.") {
		t.Fatalf("short text must not be speakable")
	}
	if !s.Speakable("Water is polar.") {
		t.Fatalf("expected speakable")
	}
}

func TestOpenAI_Synthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "fable") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3audio"))
	}))
	defer srv.Close()
	o := NewOpenAI("key", "", option.WithBaseURL(srv.URL+"/v1/"), option.WithMaxRetries(0))
	data, err := o.Synthesize(context.Background(), "नमस्ते", "fable")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(data) != "ID3audio" {
		t.Fatalf("unexpected payload %q", data)
	}
	if len(o.Voices()) != 6 {
		t.Fatalf("expected six voices")
	}
}

func TestElevenLabs_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		wantErr bool
	}{
		{"ok", func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("xi-api-key") != "key" || !strings.HasPrefix(r.URL.Path, "/v1/text-to-speech/voice") {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte("mp3"))
		}, false},
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			e := NewElevenLabs("key", "voice")
			e.HTTPClient = &http.Client{Timeout: time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
				req.URL.Scheme = "http"
				req.URL.Host = srv.Listener.Addr().String()
				return http.DefaultTransport.RoundTrip(req)
			})}
			_, err := e.Synthesize(context.Background(), "hello", "alloy")
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestElevenLabs_MissingCredentials(t *testing.T) {
	if _, err := NewElevenLabs("", "v").Synthesize(context.Background(), "x", ""); err == nil {
		t.Fatalf("expected error without key")
	}
	if _, err := NewElevenLabs("k", "").Synthesize(context.Background(), "x", "alloy"); err == nil {
		t.Fatalf("expected error without voice id")
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
