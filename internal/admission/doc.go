// Package admission provides per-identity token-bucket rate limiting
// applied before a request reaches the workflow engine.
package admission
