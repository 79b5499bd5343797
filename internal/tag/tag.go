// +build !debug

// Package tag exposes build-time feature flags via build tags, instead of
// a runtime flag, so release builds pay nothing for the extra checks.
package tag

const Debug = false
