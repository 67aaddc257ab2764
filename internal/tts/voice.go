package tts

import (
	"sort"
	"unicode"
)

// VoicePolicy picks a voice for normalized text.
type VoicePolicy func(text string) string

// ScriptVoices selects a voice by writing system. scripts maps a Unicode script
// name (as in unicode.Scripts, e.g. "Devanagari") to a voice; the first script
// in name order with a character present in the text wins. Unknown script
// names are ignored.
func ScriptVoices(defaultVoice string, scripts map[string]string) VoicePolicy {
	type rule struct {
		table *unicode.RangeTable
		voice string
	}
	names := make([]string, 0, len(scripts))
	for name := range scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	var rules []rule
	for _, name := range names {
		if table, ok := unicode.Scripts[name]; ok && scripts[name] != "" {
			rules = append(rules, rule{table: table, voice: scripts[name]})
		}
	}
	return func(text string) string {
		for _, r := range rules {
			for _, c := range text {
				if unicode.Is(r.table, c) {
					return r.voice
				}
			}
		}
		return defaultVoice
	}
}

// DefaultVoicePolicy is alloy, with fable for Devanagari text.
func DefaultVoicePolicy() VoicePolicy {
	return ScriptVoices("alloy", map[string]string{"Devanagari": "fable"})
}
