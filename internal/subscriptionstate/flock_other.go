//go:build !unix

package subscriptionstate

// lockFile is a no-op where flock is unavailable; the store mutex still
// serializes writers within the process.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
