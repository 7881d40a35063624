package capability

import (
	"github.com/sells-group/corpus-cli/pkg/anthropic"
)

// Builtins returns a registry with every built-in analyzer. The LLM
// extractor is registered only when a client is given.
func Builtins(client anthropic.Client, llm LLMConfig) (*Registry, error) {
	analyzers := []Analyzer{
		NewHeuristicEntities(),
		NewTopicClusters(DefaultMaxClusters),
		NewEntityClusters(DefaultMaxClusters),
		NewAssociations(),
	}
	if client != nil {
		analyzers = append(analyzers, NewLLMEntities(client, llm))
	}
	return NewRegistry(analyzers...)
}
