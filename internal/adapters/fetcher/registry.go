package fetcher

import (
	"fmt"

	"deal-scanner/internal/domain"
)

// Registry сопоставляет имя источника конкретному фетчеру.
// Заполняется на старте и после этого только читается.
type Registry struct {
	fetchers map[string]domain.Fetcher
	sources  map[string]domain.Source
}

// NewRegistry создаёт реестр для набора деклараций источников.
func NewRegistry(sources map[string]domain.Source) *Registry {
	return &Registry{
		fetchers: make(map[string]domain.Fetcher),
		sources:  sources,
	}
}

// Register привязывает фетчер к источнику.
func (r *Registry) Register(sourceName string, f domain.Fetcher) error {
	if _, known := r.sources[sourceName]; !known {
		return fmt.Errorf("источник %q не объявлен", sourceName)
	}
	r.fetchers[sourceName] = f
	return nil
}

// Lookup возвращает фетчер и декларацию источника.
func (r *Registry) Lookup(sourceName string) (domain.Fetcher, domain.Source, bool) {
	f, ok := r.fetchers[sourceName]
	if !ok {
		return nil, domain.Source{}, false
	}
	return f, r.sources[sourceName], true
}

// Chain разворачивает цепочку фолбэков источника в упорядоченный список имён.
// Циклы обрываются на первом повторе.
func (r *Registry) Chain(sourceName string) []string {
	var chain []string
	seen := make(map[string]struct{})
	for name := sourceName; name != ""; {
		if _, dup := seen[name]; dup {
			break
		}
		src, ok := r.sources[name]
		if !ok {
			break
		}
		seen[name] = struct{}{}
		chain = append(chain, name)
		name = src.Fallback
	}
	return chain
}
