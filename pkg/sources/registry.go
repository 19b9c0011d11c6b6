package sources

import (
	"fmt"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/loaders"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/transform"
	"github.com/Ramsey-B/fern/pkg/updater"
)

// UnknownSourceError is returned when a job names a source that is not
// configured.
type UnknownSourceError struct {
	Name string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("unknown source %q", e.Name)
}

// Source is the behavior bundle of one configured source, built once at
// startup.
type Source struct {
	Name         string
	SeedURL      string
	EntityType   string
	Relations    []string
	PageLoader   loaders.PageLoader
	EntityLoader loaders.EntityLoader
	Transformer  transform.Transformer
	Updater      updater.Updater
}

// Deps are the shared collaborators handed to every factory.
type Deps struct {
	HTTPClient *httpclient.Client
	Throttle   ratelimit.Throttle
	Store      store.Store
	Evaluator  *expressions.Evaluator
	Logger     ectologger.Logger
}

type (
	PageLoaderFactory   func(name string, cfg LoaderConfig, deps Deps) (loaders.PageLoader, error)
	EntityLoaderFactory func(name string, cfg LoaderConfig, deps Deps) (loaders.EntityLoader, error)
	TransformerFactory  func(name string, cfg TransformerConfig, deps Deps) (transform.Transformer, error)
	UpdaterFactory      func(name string, cfg UpdaterConfig, deps Deps) (updater.Updater, error)
)

// Factories maps a `kind` to the constructor of each behavior.
type Factories struct {
	PageLoaders   map[string]PageLoaderFactory
	EntityLoaders map[string]EntityLoaderFactory
	Transformers  map[string]TransformerFactory
	Updaters      map[string]UpdaterFactory
}

// DefaultFactories registers the http loaders, the jmespath transformer and
// the sql updater.
func DefaultFactories() *Factories {
	return &Factories{
		PageLoaders: map[string]PageLoaderFactory{
			KindHTTP: func(name string, cfg LoaderConfig, deps Deps) (loaders.PageLoader, error) {
				if cfg.URL == "" {
					return nil, fmt.Errorf("source %s: page_loader.url is required", name)
				}
				return loaders.NewHTTPPageLoader(name, cfg.URL, deps.HTTPClient, deps.Throttle, deps.Logger), nil
			},
		},
		EntityLoaders: map[string]EntityLoaderFactory{
			KindHTTP: func(name string, _ LoaderConfig, deps Deps) (loaders.EntityLoader, error) {
				return loaders.NewHTTPEntityLoader(name, deps.HTTPClient, deps.Throttle, deps.Logger), nil
			},
		},
		Transformers: map[string]TransformerFactory{
			KindJMESPath: func(_ string, cfg TransformerConfig, deps Deps) (transform.Transformer, error) {
				return transform.NewJMESPathTransformer(cfg.Config, deps.Evaluator)
			},
		},
		Updaters: map[string]UpdaterFactory{
			KindSQL: func(_ string, cfg UpdaterConfig, deps Deps) (updater.Updater, error) {
				return updater.New(deps.Store, cfg.Config, deps.Logger)
			},
		},
	}
}

// Registry resolves source names to their bundles. It is read-only after
// NewRegistry returns.
type Registry struct {
	sources map[string]*Source
	names   []string
}

func NewRegistry(file *File, factories *Factories, deps Deps) (*Registry, error) {
	if factories == nil {
		factories = DefaultFactories()
	}
	if deps.Evaluator == nil {
		deps.Evaluator = expressions.NewEvaluator()
	}

	r := &Registry{sources: make(map[string]*Source, len(file.Sources))}
	for name, cfg := range file.Sources {
		src, err := build(name, cfg, factories, deps)
		if err != nil {
			return nil, err
		}
		r.sources[name] = src
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

func build(name string, cfg SourceConfig, f *Factories, deps Deps) (*Source, error) {
	cfg.applyDefaults()

	newPageLoader, ok := f.PageLoaders[cfg.PageLoader.Kind]
	if !ok {
		return nil, fmt.Errorf("source %s: unknown page_loader kind %q", name, cfg.PageLoader.Kind)
	}
	newEntityLoader, ok := f.EntityLoaders[cfg.EntityLoader.Kind]
	if !ok {
		return nil, fmt.Errorf("source %s: unknown entity_loader kind %q", name, cfg.EntityLoader.Kind)
	}
	newTransformer, ok := f.Transformers[cfg.Transformer.Kind]
	if !ok {
		return nil, fmt.Errorf("source %s: unknown transformer kind %q", name, cfg.Transformer.Kind)
	}
	newUpdater, ok := f.Updaters[cfg.Updater.Kind]
	if !ok {
		return nil, fmt.Errorf("source %s: unknown updater kind %q", name, cfg.Updater.Kind)
	}

	src := &Source{
		Name:       name,
		SeedURL:    cfg.PageLoader.URL,
		EntityType: cfg.Updater.TargetEntityType,
	}
	for rel := range cfg.Transformer.Relations {
		if _, ok := cfg.Updater.Relations[rel]; !ok {
			return nil, fmt.Errorf("source %s: relation %q has no updater mapping", name, rel)
		}
		src.Relations = append(src.Relations, rel)
	}
	sort.Strings(src.Relations)

	var err error
	if src.PageLoader, err = newPageLoader(name, cfg.PageLoader, deps); err != nil {
		return nil, err
	}
	if src.EntityLoader, err = newEntityLoader(name, cfg.EntityLoader, deps); err != nil {
		return nil, err
	}
	if src.Transformer, err = newTransformer(name, cfg.Transformer, deps); err != nil {
		return nil, fmt.Errorf("source %s transformer: %w", name, err)
	}
	if src.Updater, err = newUpdater(name, cfg.Updater, deps); err != nil {
		return nil, fmt.Errorf("source %s updater: %w", name, err)
	}
	return src, nil
}

// Get returns the named source or an UnknownSourceError.
func (r *Registry) Get(name string) (*Source, error) {
	src, ok := r.sources[name]
	if !ok {
		return nil, &UnknownSourceError{Name: name}
	}
	return src, nil
}

// Names lists the configured sources in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}
