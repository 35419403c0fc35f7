package decoder

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/argakon/mmt/pkg/models"
)

// FeatureSpec is one feature definition in the engine configuration file.
type FeatureSpec struct {
	Name      string    `yaml:"name"`
	Stateless bool      `yaml:"stateless"`
	Tunable   bool      `yaml:"tunable"`
	Weights   []float32 `yaml:"weights"`
}

// modelFile is the on-disk engine configuration.
type modelFile struct {
	Features []FeatureSpec `yaml:"features"`
}

// Vocabulary is the closed set of known target-side tokens. Lookups are
// read-only after load.
type Vocabulary struct {
	words map[string]struct{}
}

// Contains reports whether the token is in the vocabulary.
func (v *Vocabulary) Contains(token string) bool {
	_, ok := v.words[strings.ToLower(token)]
	return ok
}

// Size returns the vocabulary size.
func (v *Vocabulary) Size() int {
	return len(v.words)
}

// ModelConfig is the ready-to-query model handle produced by LoadModel and
// consumed by the engine constructor.
type ModelConfig struct {
	Features   []models.Feature
	Weights    map[string][]float32
	Vocabulary *Vocabulary
}

// LoadModel opens, parses, and validates the engine configuration and the
// vocabulary resource. The engine itself never touches these files again.
func LoadModel(configPath, vocabularyPath string) (*ModelConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read engine config: %w", err)
	}

	var file modelFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse engine config: %w", err)
	}
	if len(file.Features) == 0 {
		return nil, fmt.Errorf("engine config %s defines no features", configPath)
	}

	cfg := &ModelConfig{
		Weights: make(map[string][]float32, len(file.Features)),
	}
	seen := make(map[string]struct{}, len(file.Features))
	for _, spec := range file.Features {
		if spec.Name == "" {
			return nil, fmt.Errorf("engine config: feature with empty name")
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("engine config: duplicate feature %q", spec.Name)
		}
		seen[spec.Name] = struct{}{}

		if spec.Tunable && len(spec.Weights) == 0 {
			return nil, fmt.Errorf("engine config: tunable feature %q has no weights", spec.Name)
		}
		cfg.Features = append(cfg.Features, models.Feature{
			Name:      spec.Name,
			Stateless: spec.Stateless,
			Tunable:   spec.Tunable,
		})
		cfg.Weights[spec.Name] = append([]float32(nil), spec.Weights...)
	}

	vocab, err := loadVocabulary(vocabularyPath)
	if err != nil {
		return nil, err
	}
	cfg.Vocabulary = vocab

	log.Info().
		Int("features", len(cfg.Features)).
		Int("vocabulary", vocab.Size()).
		Str("config", configPath).
		Msg("Model loaded")

	return cfg, nil
}

// loadVocabulary reads a plain-text vocabulary, one token per line.
// Blank lines and '#' comments are skipped.
func loadVocabulary(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary: %w", err)
	}
	defer f.Close()

	vocab := &Vocabulary{words: make(map[string]struct{})}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		word := strings.TrimSpace(scanner.Text())
		if word == "" || strings.HasPrefix(word, "#") {
			continue
		}
		vocab.words[strings.ToLower(word)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	if vocab.Size() == 0 {
		return nil, fmt.Errorf("vocabulary %s is empty", path)
	}
	return vocab, nil
}
