// Package infra holds the adapters behind the dispatch engine's interfaces.
// Each subpackage depends on core types only; nothing in core imports infra.
package infra
