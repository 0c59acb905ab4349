// Package model defines the provider‑agnostic boundary to the external
// inference service used by the gateway.
//
// The service is opaque: a Request carries a system prompt and a list of
// role/text messages, and a Model answers with a final Response or an error.
// Providers (OpenAI and OpenAI-compatible servers such as Ollama, Anthropic)
// live in sub-packages so higher layers stay decoupled from vendor SDKs.
// MockModel supports scripted replies, errors and delays for tests.
package model
