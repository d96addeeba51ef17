// Package gateway wires the server together: the SQLite store, the tool
// registry, the workflow engine, the conversation service, credential
// issuance, and per-identity admission control, all exposed over HTTP.
//
// Chat responses are delivered either buffered (POST /chat) or as
// Server-Sent Events (POST /chat/stream). Both paths go through the same
// conversation service, so persistence does not depend on the delivery
// mode.
package gateway
