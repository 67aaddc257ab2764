package httpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/chemtutor/internal/agent"
	"github.com/chadiek/chemtutor/internal/llm"
	"github.com/chadiek/chemtutor/internal/memory"
	"github.com/chadiek/chemtutor/internal/molecule"
	"github.com/chadiek/chemtutor/internal/stream"
	"github.com/chadiek/chemtutor/internal/tts"
)

type fakeGen struct {
	fragments []string
	err       error
}

func (g *fakeGen) Stream(context.Context, llm.Request) (llm.Stream, error) {
	return &llm.SliceStream{Fragments: g.fragments, Err: g.err}, nil
}

type fakeBackend struct{}

func (fakeBackend) Name() string     { return "fake" }
func (fakeBackend) MIMEType() string { return "audio/mpeg" }
func (fakeBackend) Synthesize(_ context.Context, text, voice string) ([]byte, error) {
	return []byte(voice + ":" + text), nil
}
func (fakeBackend) Voices() []tts.Voice {
	return []tts.Voice{{ID: "alloy", Name: "Alloy"}, {ID: "fable", Name: "Fable"}}
}

type fakeTranscriber struct{ got []byte }

func (f *fakeTranscriber) Transcribe(_ context.Context, audio io.Reader, filename, _ string) (string, error) {
	b, err := io.ReadAll(audio)
	if err != nil {
		return "", err
	}
	f.got = b
	return "what is benzene (" + filename + ")", nil
}

type fakeRenderer struct{ last molecule.RenderRequest }

func (f *fakeRenderer) Render(_ context.Context, req molecule.RenderRequest) (molecule.Image, error) {
	f.last = req
	switch req.Format {
	case molecule.FormatBase64:
		return molecule.Image{Data: []byte("data:image/png;base64,AAAA"), MIMEType: "text/plain"}, nil
	case molecule.FormatPNG:
		return molecule.Image{Data: []byte{0x89, 'P'}, MIMEType: "image/png"}, nil
	}
	return molecule.Image{Data: []byte("<svg/>"), MIMEType: "image/svg+xml"}, nil
}

func newTestServer(t *testing.T, gen llm.Generator, token string) (*Server, *fakeRenderer) {
	t.Helper()
	srv, r, _ := newTestServerWithRegistry(t, gen, token)
	return srv, r
}

func newTestServerWithRegistry(t *testing.T, gen llm.Generator, token string) (*Server, *fakeRenderer, *memory.Registry) {
	t.Helper()
	synth := tts.New(fakeBackend{})
	reg := memory.NewRegistry(func() string { return agent.DefaultSystemPrompt }, memory.DefaultBudget)
	t.Cleanup(reg.Close)
	coord := stream.New(gen, stream.WithSynthesizer(synth))
	svc := agent.NewService(reg, nil, gen, coord, agent.StaticPrompts{}, agent.Options{Model: "m"})
	r := &fakeRenderer{}
	return New(Deps{
		Agent:       svc,
		Speaker:     synth,
		Transcriber: &fakeTranscriber{},
		Resolver:    molecule.NewResolver(nil, ""),
		Renderer:    r,
		AuthToken:   func() string { return token },
		Checks: []Check{
			{Name: "llm", Ping: func(context.Context) error { return nil }},
			{Name: "knowledge_base", Ping: func(context.Context) error { return errors.New("index missing") }},
		},
	}), r, reg
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	return w
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGen{}, "")
	w := do(srv, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", w.Code, w.Body.String())
	}
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGen{}, "")
	w := do(srv, http.MethodGet, "/api/health", "")
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || body.Components["llm"] != "ok" || body.Components["knowledge_base"] != "index missing" {
		t.Fatalf("unexpected health %+v", body)
	}
}

func TestServer_Unauthorized(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGen{}, "secret")
	if w := do(srv, http.MethodGet, "/api/voices", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := do(srv, http.MethodGet, "/api/voices?password=wrong", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := do(srv, http.MethodGet, "/api/voices?password=secret", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := do(srv, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", w.Code)
	}
}

func TestStreamChat_SSE(t *testing.T) {
	gen := &fakeGen{fragments: []string{"Water is a polar molecule. ", "It is bent"}}
	srv, _ := newTestServer(t, gen, "")
	w := do(srv, http.MethodPost, "/api/stream-chat", `{"chat_id":"c1","message":"what is water?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "id: 1\nevent: text\ndata: ") {
		t.Fatalf("unexpected first frame: %q", body)
	}
	var order []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			order = append(order, strings.TrimPrefix(line, "event: "))
		}
	}
	joined := strings.Join(order, ",")
	if !strings.Contains(joined, "audio") || !strings.HasSuffix(joined, "complete,done") {
		t.Fatalf("unexpected event order %s", joined)
	}
	if !strings.Contains(body, `"audio_base64":"`) || !strings.Contains(body, `"message":"Stream complete"`) {
		t.Fatalf("missing payload fields: %s", body)
	}
	w = do(srv, http.MethodGet, "/api/chats/c1", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "It is bent") {
		t.Fatalf("history not recorded: %d %s", w.Code, w.Body.String())
	}
}

func TestStreamChat_EmptyMessage(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGen{}, "")
	if w := do(srv, http.MethodPost, "/api/stream-chat", `{"message":"  "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := do(srv, http.MethodPost, "/api/stream-chat", `not-json`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", w.Code)
	}
}

func TestStreamChat_BackendErrorEvent(t *testing.T) {
	gen := &fakeGen{fragments: []string{"Partial "}, err: &llm.BackendError{Backend: "ollama", Message: "model not found"}}
	srv, _ := newTestServer(t, gen, "")
	w := do(srv, http.MethodPost, "/api/stream-chat", `{"message":"hi"}`)
	body := w.Body.String()
	if !strings.Contains(body, "event: error\n") || strings.Contains(body, "event: done") {
		t.Fatalf("expected terminal error without done: %s", body)
	}
}

func TestChat_PlainText(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGen{fragments: []string{"Hel", "lo"}}, "")
	w := do(srv, http.MethodPost, "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK || w.Body.String() != "Hello" {
		t.Fatalf("unexpected chat response %d %q", w.Code, w.Body.String())
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("content type = %q", w.Header().Get("Content-Type"))
	}

	srv, _ = newTestServer(t, &fakeGen{fragments: []string{"Hel"}, err: errors.New("boom")}, "")
	w = do(srv, http.MethodPost, "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`)
	if w.Body.String() != "Hel\n[Error: boom]" {
		t.Fatalf("unexpected error tail %q", w.Body.String())
	}
	if w := do(srv, http.MethodPost, "/api/chat", `{"messages":[]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRAGChat_PlainTextWithEvents(t *testing.T) {
	gen := &fakeGen{fragments: []string{
		"Here is water for you. ",
		"```json\n{\"tool\":\"draw_molecule\",\"name\":\"water\",\"smiles\":\"O\"}\n```",
		" It is bent.",
	}}
	srv, _ := newTestServer(t, gen, "")
	w := do(srv, http.MethodPost, "/api/rag-chat", `{"chat_id":"r","messages":[{"role":"user","content":"hello"},{"role":"assistant","content":"hi"},{"role":"user","content":"draw water"}]}`)
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected response %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, agent.UnavailableNotice) {
		t.Fatalf("notice missing: %q", body)
	}
	if !strings.Contains(body, "\n[EVENT]{\"type\":\"molecule\"") || !strings.Contains(body, `"name":"water"`) {
		t.Fatalf("event line missing: %q", body)
	}
	if !strings.HasSuffix(body, " It is bent.") || strings.Contains(body, "audio_base64") {
		t.Fatalf("unexpected body %q", body)
	}
	w = do(srv, http.MethodGet, "/api/chats/r", "")
	if !strings.Contains(w.Body.String(), `"content":"draw water"`) || strings.Contains(w.Body.String(), `"content":"hello"`) {
		t.Fatalf("only the latest user message should be remembered: %s", w.Body.String())
	}

	srv, _ = newTestServer(t, &fakeGen{fragments: []string{"Partial"}, err: errors.New("boom")}, "")
	w = do(srv, http.MethodPost, "/api/rag-chat", `{"message":"q"}`)
	if body := w.Body.String(); strings.Count(body, "[Error:") != 1 || !strings.Contains(body, "Partial\n[Error: ") {
		t.Fatalf("unexpected error tail %q", body)
	}
	if w := do(srv, http.MethodPost, "/api/rag-chat", `{"messages":[]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestChats_ClearAndForget(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGen{fragments: []string{"Benzene is aromatic."}}, "")
	do(srv, http.MethodPost, "/api/stream-chat", `{"chat_id":"x","message":"benzene?"}`)
	if w := do(srv, http.MethodGet, "/api/chats/x", ""); !strings.Contains(w.Body.String(), `"summary":"conversation with 2 messages`) {
		t.Fatalf("summary missing: %s", w.Body.String())
	}
	if w := do(srv, http.MethodPost, "/api/chats/x/clear", ""); w.Code != http.StatusOK {
		t.Fatalf("clear: %d", w.Code)
	}
	w := do(srv, http.MethodGet, "/api/chats/x", "")
	if strings.Contains(w.Body.String(), "benzene?") {
		t.Fatalf("history not cleared: %s", w.Body.String())
	}
	w = do(srv, http.MethodDelete, "/api/chats/x", "")
	if !strings.Contains(w.Body.String(), `"removed":true`) {
		t.Fatalf("forget: %s", w.Body.String())
	}
	if w := do(srv, http.MethodGet, "/api/chats/x", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after forget, got %d", w.Code)
	}
}

func TestTTS(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGen{}, "")
	w := do(srv, http.MethodPost, "/api/tts", `{"text":"Hello students of chemistry","voice_id":"nova"}`)
	var body struct {
		Success  bool   `json:"success"`
		Audio    string `json:"audio_base64"`
		Voice    string `json:"voice"`
		MIMEType string `json:"mime_type"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v (%s)", err, w.Body.String())
	}
	raw, _ := base64.StdEncoding.DecodeString(body.Audio)
	if !body.Success || body.Voice != "nova" || body.MIMEType != "audio/mpeg" || !strings.HasPrefix(string(raw), "nova:") {
		t.Fatalf("unexpected tts response %+v", body)
	}
	if w := do(srv, http.MethodPost, "/api/tts", `{"text":""}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty text, got %d", w.Code)
	}
}

func TestVoices(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGen{}, "")
	w := do(srv, http.MethodGet, "/api/voices", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"voice_id":"fable"`) || !strings.Contains(w.Body.String(), `"provider":"fake"`) {
		t.Fatalf("unexpected voices %d %s", w.Code, w.Body.String())
	}
}

func TestSTT(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGen{}, "")
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("audio", "clip.webm")
	_, _ = fw.Write([]byte("webm-bytes"))
	_ = mw.Close()
	r := httptest.NewRequest(http.MethodPost, "/api/stt", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"transcript":"what is benzene (clip.webm)"`) {
		t.Fatalf("unexpected stt response %d %s", w.Code, w.Body.String())
	}

	r = httptest.NewRequest(http.MethodPost, "/api/stt", strings.NewReader(""))
	w = httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), `"success":false`) {
		t.Fatalf("expected 400 without file, got %d %s", w.Code, w.Body.String())
	}
}

func TestDrawMolecule(t *testing.T) {
	srv, r := newTestServer(t, &fakeGen{}, "")
	w := do(srv, http.MethodPost, "/api/draw-molecule", `{"name":"Benzene","smiles":"C","width":200}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Molecule-Source") != "curated" || w.Header().Get("X-Molecule-Smiles") != "c1ccccc1" {
		t.Fatalf("unexpected headers %v", w.Header())
	}
	if !strings.HasPrefix(w.Body.String(), "<!-- source:curated name:Benzene -->\n<svg/>") {
		t.Fatalf("unexpected svg body %q", w.Body.String())
	}
	if r.last.SMILES != "c1ccccc1" || r.last.Width != 200 {
		t.Fatalf("renderer got %+v", r.last)
	}

	w = do(srv, http.MethodPost, "/api/draw-molecule", `{"smiles":"CCO","format":"base64"}`)
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Body.String(), "data:image/png;base64,") {
		t.Fatalf("unexpected base64 response %d %q", w.Code, w.Body.String())
	}
	if w := do(srv, http.MethodPost, "/api/draw-molecule", `{"smiles":"C((","name":""}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unresolvable structure, got %d", w.Code)
	}
	if w := do(srv, http.MethodPost, "/api/draw-molecule", `{"smiles":"CCO","format":"gif"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad format, got %d", w.Code)
	}
}

func TestWebSocket_Turn(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGen{fragments: []string{"Ethanol is an alcohol. "}}, "secret")
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws?password=secret"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]string{"chat_id": "ws", "message": "ethanol?"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var types []string
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (got %v)", err, types)
		}
		typ, _ := msg["type"].(string)
		types = append(types, typ)
		if typ == "done" || typ == "error" {
			break
		}
	}
	if types[0] != "text" || types[len(types)-1] != "done" {
		t.Fatalf("unexpected ws events %v", types)
	}

	if err := conn.WriteJSON(map[string]string{"message": ""}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil || msg["type"] != "error" {
		t.Fatalf("expected error for empty message, got %v %v", msg, err)
	}
}

func TestWebSocket_TurnFailsBeforeStreaming(t *testing.T) {
	srv, _, reg := newTestServerWithRegistry(t, &fakeGen{fragments: []string{"unused"}}, "")
	reg.Close()
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]string{"message": "what is an ion?"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg["type"] != "error" || msg["message"] == "" {
		t.Fatalf("expected an error frame, got %v", msg)
	}
}

func TestWebSocket_Unauthorized(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGen{}, "secret")
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}
