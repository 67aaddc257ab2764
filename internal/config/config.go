// Package config loads process settings from the environment and the
// hot-reloaded content policy from a YAML file.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Port      int    `env:"PORT" envDefault:"8000"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	AuthToken string `env:"AUTH_TOKEN"`
	// PolicyFile is an optional YAML content policy; see Policy.
	PolicyFile string `env:"POLICY_FILE"`

	LLMProvider    string  `env:"LLM_PROVIDER" envDefault:"ollama"`
	OllamaURL      string  `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaModel    string  `env:"OLLAMA_MODEL" envDefault:"qwen2.5:7b"`
	OpenAIKey      string  `env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string  `env:"OPENAI_BASE_URL"`
	OpenAIModel    string  `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	AnthropicKey   string  `env:"ANTHROPIC_API_KEY"`
	AnthropicModel string  `env:"ANTHROPIC_MODEL" envDefault:"claude-3-5-haiku-latest"`
	Temperature    float64 `env:"LLM_TEMPERATURE" envDefault:"0.8"`
	MaxTokens      int     `env:"LLM_MAX_TOKENS"`

	MemoryBudget      int `env:"MEMORY_TOKEN_BUDGET" envDefault:"6000"`
	SentenceMinLength int `env:"SENTENCE_MIN_LENGTH" envDefault:"16"`

	TTSProvider       string  `env:"TTS_PROVIDER" envDefault:"openai"`
	TTSModel          string  `env:"TTS_MODEL" envDefault:"tts-1"`
	TTSDefaultVoice   string  `env:"TTS_DEFAULT_VOICE" envDefault:"alloy"`
	TTSMaxChars       int     `env:"TTS_MAX_CHARS" envDefault:"4000"`
	TTSRateLimit      float64 `env:"TTS_RATE_LIMIT" envDefault:"5"`
	TTSBurst          int     `env:"TTS_BURST" envDefault:"5"`
	TTSConcurrency    int     `env:"TTS_CONCURRENCY" envDefault:"3"`
	DeepgramKey       string  `env:"DEEPGRAM_API_KEY"`
	DeepgramModel     string  `env:"DEEPGRAM_MODEL" envDefault:"aura-asteria-en"`
	ElevenLabsKey     string  `env:"ELEVENLABS_API_KEY"`
	ElevenLabsVoiceID string  `env:"ELEVENLABS_VOICE_ID"`

	AudioCacheBytes int64         `env:"AUDIO_CACHE_BYTES" envDefault:"33554432"`
	AudioCacheDir   string        `env:"AUDIO_CACHE_DIR"`
	AudioCacheTTL   time.Duration `env:"AUDIO_CACHE_TTL" envDefault:"168h"`

	STTLanguage string `env:"STT_LANGUAGE"`

	RAGBackend          string `env:"RAG_BACKEND" envDefault:"local"`
	RAGIndexPath        string `env:"RAG_INDEX_PATH" envDefault:"data/index.msgpack"`
	RAGTopK             int    `env:"RAG_TOP_K" envDefault:"3"`
	RAGMaxContextLength int    `env:"RAG_MAX_CONTEXT_LENGTH" envDefault:"300"`
	EmbedProvider       string `env:"EMBED_PROVIDER" envDefault:"openai"`
	EmbedModel          string `env:"EMBED_MODEL"`

	SupabaseURL           string `env:"SUPABASE_URL"`
	SupabaseServiceKey    string `env:"SUPABASE_SERVICE_ROLE_KEY"`
	SupabaseMatchFunction string `env:"SUPABASE_MATCH_FUNCTION" envDefault:"match_documents"`

	OPSINURL  string `env:"OPSIN_URL" envDefault:"https://opsin.ch.cam.ac.uk/opsin"`
	DepictURL string `env:"DEPICT_URL" envDefault:"https://www.simolecule.com/cdkdepict"`
}

// Addr is the listen address for Port.
func (c Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// Load reads .env (if present) and the environment. Missing credentials are
// logged as warnings; the dependent component is disabled at wiring time.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file loaded", "err", err)
	}
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}
	log.Info("config loaded", "port", cfg.Port, "llm", cfg.LLMProvider, "tts", cfg.TTSProvider, "rag", cfg.RAGBackend)
	return cfg, nil
}

// Warnings lists settings that leave a component unusable.
func (c Config) Warnings() []string {
	var out []string
	switch c.LLMProvider {
	case "openai":
		if c.OpenAIKey == "" && c.OpenAIBaseURL == "" {
			out = append(out, "OPENAI_API_KEY not set - LLM will not work")
		}
	case "anthropic":
		if c.AnthropicKey == "" {
			out = append(out, "ANTHROPIC_API_KEY not set - LLM will not work")
		}
	case "ollama":
	default:
		out = append(out, fmt.Sprintf("unknown LLM_PROVIDER %q - falling back to ollama", c.LLMProvider))
	}
	switch c.TTSProvider {
	case "openai":
		if c.OpenAIKey == "" {
			out = append(out, "OPENAI_API_KEY not set - TTS will not work")
		}
	case "deepgram":
		if c.DeepgramKey == "" {
			out = append(out, "DEEPGRAM_API_KEY not set - TTS will not work")
		}
	case "elevenlabs":
		if c.ElevenLabsKey == "" || c.ElevenLabsVoiceID == "" {
			out = append(out, "ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - TTS will not work")
		}
	case "none", "":
	default:
		out = append(out, fmt.Sprintf("unknown TTS_PROVIDER %q - audio disabled", c.TTSProvider))
	}
	if c.OpenAIKey == "" {
		out = append(out, "OPENAI_API_KEY not set - speech to text will not work")
	}
	if c.RAGBackend == "supabase" && (c.SupabaseURL == "" || c.SupabaseServiceKey == "") {
		out = append(out, "SUPABASE_URL or SUPABASE_SERVICE_ROLE_KEY not set - knowledge base unavailable")
	}
	if c.EmbedProvider == "openai" && c.OpenAIKey == "" && c.RAGBackend != "none" {
		out = append(out, "OPENAI_API_KEY not set - knowledge base search will not work")
	}
	return out
}
