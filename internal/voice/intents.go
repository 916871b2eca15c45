package voice

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Built-in Spanish command vocabulary. Persisted synonyms extend it.
var defaultCommands = map[string]string{
	"iniciar":   "start",
	"siguiente": "next",
	"pausa":     "pause",
	"detener":   "stop",
}

var foldTransformer = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))

// normalizeUtterance lowercases, trims and strips diacritics so "Pausá"
// and "pausa" map identically.
func normalizeUtterance(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		return s
	}
	return folded
}

// IntentTable maps utterances to intents: exact match on the normalized
// phrase first, then a substring scan so "quiero pausa ahora" still maps
// to pause. On multiple substring hits the longest key wins.
type IntentTable struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewIntentTable builds a table from the default vocabulary merged with
// stored synonyms (synonyms override defaults on collision).
func NewIntentTable(synonyms map[string]string) *IntentTable {
	t := &IntentTable{entries: make(map[string]string, len(defaultCommands)+len(synonyms))}
	for k, v := range defaultCommands {
		t.entries[normalizeUtterance(k)] = v
	}
	for k, v := range synonyms {
		if key := normalizeUtterance(k); key != "" {
			t.entries[key] = v
		}
	}
	return t
}

// Add registers one synonym at runtime.
func (t *IntentTable) Add(utterance, intent string) {
	key := normalizeUtterance(utterance)
	if key == "" || intent == "" {
		return
	}
	t.mu.Lock()
	t.entries[key] = intent
	t.mu.Unlock()
}

// Map resolves an utterance to an intent.
func (t *IntentTable) Map(utterance string) (string, bool) {
	normalized := normalizeUtterance(utterance)
	if normalized == "" {
		return "", false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if intent, ok := t.entries[normalized]; ok {
		return intent, true
	}
	bestKey, bestIntent := "", ""
	for key, intent := range t.entries {
		if key == "" || !strings.Contains(normalized, key) {
			continue
		}
		if len(key) > len(bestKey) || (len(key) == len(bestKey) && key < bestKey) {
			bestKey, bestIntent = key, intent
		}
	}
	if bestKey == "" {
		return "", false
	}
	return bestIntent, true
}
