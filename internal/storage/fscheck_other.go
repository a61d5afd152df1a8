//go:build !darwin && !linux

package storage

// Without statfs there is nothing to inspect; the check is skipped.
func detectFilesystemType(string) (string, error) {
	return "", errDetectionUnsupported
}
