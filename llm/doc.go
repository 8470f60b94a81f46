// Package llm defines a small, provider-agnostic contract for chat language
// models, used to run machine annotators next to human ones.
//
// Providers (OpenAI, Anthropic) live in subpackages and implement Model, so
// the annotator code never depends on a vendor SDK. MockModel answers from
// canned responses for tests and examples.
package llm
