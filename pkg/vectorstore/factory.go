package vectorstore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/developer-mesh/rag-core/pkg/observability"
)

// Backend names accepted by New.
const (
	BackendOpenSearch = "opensearch"
	BackendPGVector   = "pgvector"
	BackendQdrant     = "qdrant"
)

type constructor func(cfg Config, logger observability.Logger) (Store, error)

var constructors = map[string]constructor{
	BackendOpenSearch: func(cfg Config, logger observability.Logger) (Store, error) {
		return NewOpenSearchStore(cfg, logger)
	},
	BackendPGVector: func(cfg Config, logger observability.Logger) (Store, error) {
		return NewPGVectorStore(cfg, logger)
	},
	BackendQdrant: func(cfg Config, logger observability.Logger) (Store, error) {
		return NewQdrantStore(cfg, logger)
	},
}

// New builds the store for the named backend, falling back to cfg.Backend
// when backend is empty.
func New(backend string, cfg Config, logger observability.Logger) (Store, error) {
	if backend == "" {
		backend = cfg.Backend
	}
	backend = strings.ToLower(strings.TrimSpace(backend))

	build, ok := constructors[backend]
	if !ok {
		return nil, fmt.Errorf("unsupported vector store backend: %q (supported: %s)",
			backend, strings.Join(SupportedBackends(), ", "))
	}
	return build(cfg, logger)
}

// SupportedBackends lists the registered backend names, sorted.
func SupportedBackends() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
