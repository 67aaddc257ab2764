package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// OllamaClient talks to the native /api/chat endpoint with NDJSON streaming.
type OllamaClient struct {
	HTTPClient *http.Client
	BaseURL    string
	Model      string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatChunk struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

// NewOllamaClient creates a client for baseURL, e.g. http://localhost:11434.
// A base URL that already ends in /api/chat is accepted.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	baseURL = strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/api/chat")
	return &OllamaClient{
		// no overall timeout: a stream lives as long as its context
		HTTPClient: &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 60 * time.Second}},
		BaseURL:    baseURL,
		Model:      model,
	}
}

func (c *OllamaClient) Stream(ctx context.Context, req Request) (Stream, error) {
	model := req.Model
	if model == "" {
		model = c.Model
	}
	msgs := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
		Options:  chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	log.Debug("ollama: streaming", "model", model, "messages", len(msgs))
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ollama error: status=%d body=%s", resp.StatusCode, string(b))
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &ollamaStream{body: resp.Body, sc: sc}, nil
}

type ollamaStream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
	done bool
}

func (s *ollamaStream) Next() (string, error) {
	for !s.done {
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				return "", fmt.Errorf("ollama: read stream: %w", err)
			}
			return "", errors.New("ollama: stream ended without done marker")
		}
		line := bytes.TrimSpace(s.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			log.Warn("ollama: skipping unparsable line", "err", err)
			continue
		}
		if chunk.Error != "" {
			return "", &BackendError{Backend: "ollama", Message: chunk.Error}
		}
		if chunk.Done {
			s.done = true
		}
		if chunk.Message.Content != "" {
			return chunk.Message.Content, nil
		}
	}
	return "", io.EOF
}

func (s *ollamaStream) Close() error { return s.body.Close() }

// Ping checks that the server answers /api/tags.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: status=%d", resp.StatusCode)
	}
	return nil
}
