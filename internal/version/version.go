// Package version carries the build version, overridable at link time with
// -ldflags "-X github.com/gavinshark/gateway/internal/version.Value=...".
package version

var Value = "1.0.0"
