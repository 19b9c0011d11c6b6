package sources

import (
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/transform"
	"github.com/Ramsey-B/fern/pkg/updater"
)

const (
	KindHTTP     = "http"
	KindJMESPath = "jmespath"
	KindSQL      = "sql"
)

type LoaderConfig struct {
	Kind string `yaml:"kind"`
	URL  string `yaml:"url" validate:"omitempty,url"`
}

type TransformerConfig struct {
	Kind             string `yaml:"kind"`
	transform.Config `yaml:",inline"`
}

type UpdaterConfig struct {
	Kind           string `yaml:"kind"`
	updater.Config `yaml:",inline"`
}

type RateLimitConfig struct {
	Requests int64         `yaml:"requests" validate:"gt=0"`
	Window   time.Duration `yaml:"window" validate:"gt=0"`
}

// SourceConfig is one entry under `sources:`.
type SourceConfig struct {
	PageLoader   LoaderConfig      `yaml:"page_loader"`
	EntityLoader LoaderConfig      `yaml:"entity_loader"`
	Transformer  TransformerConfig `yaml:"transformer"`
	Updater      UpdaterConfig     `yaml:"updater"`
	RateLimit    *RateLimitConfig  `yaml:"rate_limit" validate:"omitempty"`
}

type File struct {
	Sources map[string]SourceConfig `yaml:"sources" validate:"required,min=1,dive"`
}

// Limits returns the configured per-source rate limits.
func (f *File) Limits() map[string]ratelimit.Limit {
	limits := make(map[string]ratelimit.Limit)
	for name, src := range f.Sources {
		if src.RateLimit != nil {
			limits[name] = ratelimit.Limit{Requests: src.RateLimit.Requests, Window: src.RateLimit.Window}
		}
	}
	return limits
}

// LoadFile reads and validates a sources file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read sources file %s", path)
	}
	return Parse(data)
}

// Parse substitutes ${VAR} and ${VAR:-default} references from the
// environment, then decodes and validates the document.
func Parse(data []byte) (*File, error) {
	content := substituteEnvVars(string(data))

	var file File
	if err := yaml.Unmarshal([]byte(content), &file); err != nil {
		return nil, errors.Wrap(err, "failed to parse sources file")
	}

	for name, src := range file.Sources {
		src.applyDefaults()
		file.Sources[name] = src
	}

	if err := validator.New().Struct(&file); err != nil {
		return nil, errors.Wrap(err, "invalid sources file")
	}
	return &file, nil
}

func (s *SourceConfig) applyDefaults() {
	if s.PageLoader.Kind == "" {
		s.PageLoader.Kind = KindHTTP
	}
	if s.EntityLoader.Kind == "" {
		s.EntityLoader.Kind = KindHTTP
	}
	if s.Transformer.Kind == "" {
		s.Transformer.Kind = KindJMESPath
	}
	if s.Updater.Kind == "" {
		s.Updater.Kind = KindSQL
	}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envRef.ReplaceAllStringFunc(content, func(ref string) string {
		match := envRef.FindStringSubmatch(ref)
		if value, ok := os.LookupEnv(match[1]); ok {
			return value
		}
		return match[2]
	})
}
