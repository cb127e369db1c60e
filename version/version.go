// Package version holds the client's build version string.
package version

import "fmt"

const (
	major = 0
	minor = 1
	patch = 0
)

// String returns the semantic version string.
func String() string {
	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}
