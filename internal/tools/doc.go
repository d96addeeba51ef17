// Package tools provides the named capabilities the workflow engine may
// invoke, with typed JSON input/output contracts.
//
// Tools register into a Registry; TOML manifests let operators restrict
// the exposed set and override descriptions. The engine hands the
// registry's definitions to the planner so it knows what it may call.
package tools
