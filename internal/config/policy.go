package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/chadiek/chemtutor/internal/agent"
	"github.com/chadiek/chemtutor/internal/retrieval"
	"github.com/chadiek/chemtutor/internal/tts"
)

// Policy is the tutor's editable content: prompts, voices, extra molecules
// and reference topics.
type Policy struct {
	SystemPrompt  string            `mapstructure:"system_prompt"`
	StyleReminder string            `mapstructure:"style_reminder"`
	DefaultVoice  string            `mapstructure:"default_voice"`
	ScriptVoices  map[string]string `mapstructure:"script_voices"`
	Molecules     map[string]string `mapstructure:"molecules"`
	Topics        []retrieval.Topic `mapstructure:"topics"`
}

// DefaultPolicy is used for anything the policy file leaves out.
func DefaultPolicy(defaultVoice string) Policy {
	if defaultVoice == "" {
		defaultVoice = "alloy"
	}
	return Policy{
		SystemPrompt:  agent.DefaultSystemPrompt,
		StyleReminder: agent.DefaultStyleReminder,
		DefaultVoice:  defaultVoice,
		ScriptVoices:  map[string]string{"Devanagari": "fable"},
		Topics:        retrieval.DefaultTopics,
	}
}

func (p Policy) clone() Policy {
	p.ScriptVoices = maps.Clone(p.ScriptVoices)
	p.Molecules = maps.Clone(p.Molecules)
	p.Topics = append([]retrieval.Topic(nil), p.Topics...)
	return p
}

type snapshot struct {
	policy  Policy
	voice   tts.VoicePolicy
	labeler retrieval.Labeler
}

func compile(p Policy) *snapshot {
	return &snapshot{
		policy:  p,
		voice:   tts.ScriptVoices(p.DefaultVoice, canonicalScripts(p.ScriptVoices)),
		labeler: retrieval.KeywordLabeler(p.Topics),
	}
}

// canonicalScripts restores the unicode.Scripts spelling of script names,
// since viper lowercases map keys.
func canonicalScripts(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for name, voice := range in {
		for script := range unicode.Scripts {
			if strings.EqualFold(script, name) {
				out[script] = voice
				break
			}
		}
	}
	return out
}

func lowerKeys(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}

// PolicyStore serves the current Policy. Readers get an immutable snapshot;
// a file change swaps the snapshot atomically.
type PolicyStore struct {
	v        *viper.Viper
	defaults Policy
	current  atomic.Pointer[snapshot]

	mu        sync.Mutex
	listeners []func(Policy)
}

var _ agent.Prompts = (*PolicyStore)(nil)

// LoadPolicy reads path over defaults. An empty path serves defaults only.
func LoadPolicy(path string, defaults Policy) (*PolicyStore, error) {
	s := &PolicyStore{defaults: defaults.clone()}
	s.current.Store(compile(defaults.clone()))
	if path == "" {
		return s, nil
	}
	s.v = viper.New()
	s.v.SetConfigFile(path)
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the policy file. On error the previous snapshot stays.
func (s *PolicyStore) Reload() error {
	if s.v == nil {
		return nil
	}
	if err := s.v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read policy: %w", err)
	}
	p := s.defaults.clone()
	// viper reports keys in lower case; match that so file entries replace
	// defaults instead of sitting beside them.
	p.ScriptVoices = lowerKeys(p.ScriptVoices)
	p.Molecules = lowerKeys(p.Molecules)
	if err := s.v.Unmarshal(&p); err != nil {
		return fmt.Errorf("config: decode policy: %w", err)
	}
	s.current.Store(compile(p))

	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(p)
	}
	log.Info("policy loaded", "file", s.v.ConfigFileUsed(), "molecules", len(p.Molecules), "topics", len(p.Topics))
	return nil
}

// Watch reloads the policy whenever the file changes.
func (s *PolicyStore) Watch() {
	if s.v == nil {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := s.Reload(); err != nil {
			log.Error("policy reload failed, keeping previous", "err", err)
		}
	})
	s.v.WatchConfig()
}

// OnChange registers fn to run after every successful reload. fn is also
// called once immediately with the current policy.
func (s *PolicyStore) OnChange(fn func(Policy)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
	fn(s.Current())
}

func (s *PolicyStore) Current() Policy { return s.current.Load().policy.clone() }

func (s *PolicyStore) SystemPrompt() string { return s.current.Load().policy.SystemPrompt }

func (s *PolicyStore) StyleReminder() string { return s.current.Load().policy.StyleReminder }

func (s *PolicyStore) Labeler() retrieval.Labeler { return s.current.Load().labeler }

// VoicePolicy follows reloads: each call consults the current snapshot.
func (s *PolicyStore) VoicePolicy() tts.VoicePolicy {
	return func(text string) string { return s.current.Load().voice(text) }
}
