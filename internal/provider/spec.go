package provider

import (
	"strings"
)

// Kind selects a configured backend.
type Kind string

const (
	KindOpenAI     Kind = "openai"
	KindOpenRouter Kind = "openrouter"
	KindCustom     Kind = "custom"
	KindOllama     Kind = "ollama"
)

// Wire is the request/response dialect spoken by a backend.
type Wire string

const (
	WireOpenAI Wire = "openai"
	WireOllama Wire = "ollama"
)

// Spec describes how to reach one kind of backend.
type Spec struct {
	Kind Kind
	Wire Wire
	// EnvKey names the environment variable consulted when no api_key is configured.
	EnvKey         string
	DefaultBaseURL string
	RequiresKey    bool
}

// Specs is the closed catalogue of supported backends.
var Specs = []Spec{
	{
		Kind:           KindOpenAI,
		Wire:           WireOpenAI,
		EnvKey:         "OPENAI_API_KEY",
		DefaultBaseURL: "https://api.openai.com/v1",
		RequiresKey:    true,
	},
	{
		Kind:           KindOpenRouter,
		Wire:           WireOpenAI,
		EnvKey:         "OPENROUTER_API_KEY",
		DefaultBaseURL: "https://openrouter.ai/api/v1",
		RequiresKey:    true,
	},
	{
		Kind:   KindCustom,
		Wire:   WireOpenAI,
		EnvKey: "LLMPROXY_API_KEY",
	},
	{
		Kind:           KindOllama,
		Wire:           WireOllama,
		EnvKey:         "OLLAMA_API_KEY",
		DefaultBaseURL: "http://localhost:11434",
	},
}

// Lookup finds the spec for kind, ignoring case and surrounding space.
func Lookup(kind string) (Spec, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(kind)))
	for _, spec := range Specs {
		if spec.Kind == k {
			return spec, true
		}
	}
	return Spec{}, false
}

// Kinds lists the supported kind names in catalogue order.
func Kinds() []string {
	out := make([]string, 0, len(Specs))
	for _, spec := range Specs {
		out = append(out, string(spec.Kind))
	}
	return out
}
