package main

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"

	"github.com/chadiek/chemtutor/internal/agent"
	"github.com/chadiek/chemtutor/internal/cache"
	"github.com/chadiek/chemtutor/internal/config"
	"github.com/chadiek/chemtutor/internal/httpserver"
	"github.com/chadiek/chemtutor/internal/llm"
	"github.com/chadiek/chemtutor/internal/memory"
	"github.com/chadiek/chemtutor/internal/molecule"
	"github.com/chadiek/chemtutor/internal/retrieval"
	"github.com/chadiek/chemtutor/internal/stream"
	"github.com/chadiek/chemtutor/internal/transcript"
	"github.com/chadiek/chemtutor/internal/tts"
)

// app is every long-lived component, wired from cfg.
type app struct {
	policy      *config.PolicyStore
	registry    *memory.Registry
	agent       *agent.Service
	synth       *tts.Synthesizer
	transcriber transcript.Transcriber
	resolver    *molecule.Resolver
	renderer    molecule.Renderer
	index       *retrieval.LocalIndex
	checks      []httpserver.Check
	closers     []func() error
}

func buildApp(cfg config.Config) (*app, error) {
	a := &app{}
	policy, err := config.LoadPolicy(cfg.PolicyFile, config.DefaultPolicy(cfg.TTSDefaultVoice))
	if err != nil {
		return nil, err
	}
	a.policy = policy

	table := molecule.NewTable(nil)
	policy.OnChange(func(p config.Policy) {
		if n := table.Merge(p.Molecules); n > 0 {
			log.Info("molecule table updated", "added", n, "total", table.Len())
		}
	})
	a.resolver = molecule.NewResolver(table, cfg.OPSINURL)
	a.renderer = molecule.NewDepictRenderer(cfg.DepictURL)

	gen, model := newGenerator(cfg)
	if p, ok := gen.(llm.Pinger); ok {
		a.checks = append(a.checks, httpserver.Check{Name: "llm", Ping: p.Ping})
	}

	retriever := a.newRetriever(cfg)

	coordOpts := []stream.Option{stream.WithMinSentenceLength(cfg.SentenceMinLength)}
	if backend := newTTSBackend(cfg); backend != nil {
		a.synth = tts.New(backend,
			tts.WithVoicePolicy(policy.VoicePolicy()),
			tts.WithMaxChars(cfg.TTSMaxChars),
			tts.WithRateLimit(cfg.TTSRateLimit, cfg.TTSBurst),
			tts.WithCache(a.newAudioCache(cfg)),
		)
		coordOpts = append(coordOpts, stream.WithSynthesizer(a.synth), stream.WithSynthConcurrency(cfg.TTSConcurrency))
	}
	if cfg.OpenAIKey != "" {
		a.transcriber = transcript.NewWhisper(cfg.OpenAIKey)
	}

	a.registry = memory.NewRegistry(policy.SystemPrompt, cfg.MemoryBudget)
	coord := stream.New(gen, coordOpts...)
	a.agent = agent.NewService(a.registry, retriever, gen, coord, policy, agent.Options{
		Model:            model,
		Temperature:      cfg.Temperature,
		TopK:             cfg.RAGTopK,
		MaxContextLength: cfg.RAGMaxContextLength,
	})
	return a, nil
}

func newGenerator(cfg config.Config) (llm.Generator, string) {
	switch cfg.LLMProvider {
	case "openai":
		return llm.NewOpenAI(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), cfg.OpenAIModel
	case "anthropic":
		return llm.NewAnthropic(cfg.AnthropicKey, cfg.AnthropicModel), cfg.AnthropicModel
	default:
		return llm.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel), cfg.OllamaModel
	}
}

func newEmbedder(cfg config.Config) retrieval.Embedder {
	if cfg.EmbedProvider == "ollama" {
		return retrieval.NewOllamaEmbedder(cfg.OllamaURL, cfg.EmbedModel)
	}
	return retrieval.NewOpenAIEmbedder(cfg.OpenAIKey, "", cfg.EmbedModel)
}

// newRetriever returns nil when no knowledge base is configured; turns then
// answer without references.
func (a *app) newRetriever(cfg config.Config) retrieval.Retriever {
	switch cfg.RAGBackend {
	case "none":
		return nil
	case "supabase":
		sb, err := retrieval.NewSupabase(retrieval.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceKey,
			Function:       cfg.SupabaseMatchFunction,
		}, newEmbedder(cfg))
		if err != nil {
			log.Warn("knowledge base disabled", "err", err)
			return nil
		}
		return sb
	default:
		idx, err := retrieval.OpenLocal(cfg.RAGIndexPath, newEmbedder(cfg))
		if err != nil {
			log.Warn("local index not loaded; run `chemtutor index build`", "path", cfg.RAGIndexPath, "err", err)
		}
		a.index = idx
		a.checks = append(a.checks, httpserver.Check{Name: "knowledge_base", Ping: func(context.Context) error {
			if idx.Len() == 0 {
				return errors.New("index empty or missing")
			}
			return nil
		}})
		return idx
	}
}

func newTTSBackend(cfg config.Config) tts.Backend {
	switch cfg.TTSProvider {
	case "openai":
		if cfg.OpenAIKey != "" {
			return tts.NewOpenAI(cfg.OpenAIKey, cfg.TTSModel)
		}
	case "deepgram":
		if cfg.DeepgramKey != "" {
			return tts.NewDeepgram(cfg.DeepgramKey, cfg.DeepgramModel)
		}
	case "elevenlabs":
		if cfg.ElevenLabsKey != "" {
			return tts.NewElevenLabs(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
		}
	}
	log.Warn("sentence audio disabled", "provider", cfg.TTSProvider)
	return nil
}

func (a *app) newAudioCache(cfg config.Config) cache.Tier {
	tier := &cache.Tiered{L1: cache.NewMemory(cfg.AudioCacheBytes)}
	if cfg.AudioCacheDir == "" {
		return tier
	}
	disk, err := cache.OpenDisk(cache.DiskOptions{Dir: cfg.AudioCacheDir, TTL: cfg.AudioCacheTTL, Level: 3})
	if err != nil {
		log.Warn("disk audio cache disabled", "dir", cfg.AudioCacheDir, "err", err)
		return tier
	}
	a.closers = append(a.closers, disk.Close)
	tier.L2 = disk
	log.Info("audio cache", "memory", humanize.IBytes(uint64(cfg.AudioCacheBytes)), "dir", cfg.AudioCacheDir)
	return tier
}

// watchIndex reloads the local index when its file is rewritten. The
// directory is watched so an atomic rename is seen.
func (a *app) watchIndex(ctx context.Context, path string) {
	if a.index == nil {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error("error creating fsnotify watcher", "err", err)
		return
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		log.Warn("index directory not watched", "dir", dir, "err", err)
		_ = w.Close()
		return
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) || (!ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create)) {
					continue
				}
				if err := a.index.Reload(); err != nil {
					log.Warn("index reload failed", "err", err)
					continue
				}
				log.Info("index reloaded", "chunks", a.index.Len())
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Debug("fsnotify error", "dir", dir, "err", err)
			}
		}
	}()
}

func (a *app) Close() {
	a.registry.Close()
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.Warn("close failed", "err", err)
		}
	}
}
