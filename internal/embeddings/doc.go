// Package embeddings turns customer messages and pattern triggers into
// vectors.
//
// Three providers are supported: TEI (an external HTTP service), OpenAI
// (through langchaingo) and FastEmbed (local ONNX, cgo builds only).
// CachedEmbedder and TimeoutEmbedder wrap any provider for the request path.
package embeddings
