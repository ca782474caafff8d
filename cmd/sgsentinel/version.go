package main

import "github.com/buffnerd/sg-sentinel/internal/version"

// versionInfo is a seam for tests; production uses the package values.
func versionInfo() string {
	return version.Info()
}
