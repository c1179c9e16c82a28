package engine

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeywordMatcher flags change payloads whose text mentions historically risky
// areas. The word list ships with a default and can be replaced from YAML.
type KeywordMatcher struct {
	keywords []string
	logger   *slog.Logger
}

// KeywordConfigFile is the YAML root structure for a keyword pack.
type KeywordConfigFile struct {
	Keywords []string `yaml:"keywords"`
}

// defaultKeywords covers the change areas most often implicated in incidents.
var defaultKeywords = []string{
	"timeout", "retry", "cache", "db", "database", "connection", "pool",
}

// NewKeywordMatcher loads a keyword pack from path. An empty or missing path
// falls back to the built-in defaults.
func NewKeywordMatcher(path string, logger *slog.Logger) (*KeywordMatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return &KeywordMatcher{keywords: defaultKeywords, logger: logger}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("keyword pack not found, using defaults", "path", path)
			return &KeywordMatcher{keywords: defaultKeywords, logger: logger}, nil
		}
		return nil, err
	}
	var cfg KeywordConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Keywords) == 0 {
		return &KeywordMatcher{keywords: defaultKeywords, logger: logger}, nil
	}
	lowered := make([]string, len(cfg.Keywords))
	for i, kw := range cfg.Keywords {
		lowered[i] = strings.ToLower(kw)
	}
	return &KeywordMatcher{keywords: lowered, logger: logger}, nil
}

// Count returns how many distinct risk keywords the text mentions.
func (m *KeywordMatcher) Count(text string) int {
	if m == nil || text == "" {
		return 0
	}
	lowered := strings.ToLower(text)
	n := 0
	for _, kw := range m.keywords {
		if strings.Contains(lowered, kw) {
			n++
		}
	}
	return n
}
