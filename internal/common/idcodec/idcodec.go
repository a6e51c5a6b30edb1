// Package idcodec encodes filesystem paths into the opaque project
// identifier used throughout the orchestrator.
package idcodec

import "encoding/base64"

// EncodeProjectPath returns the opaque, URL-safe project identifier for path.
func EncodeProjectPath(path string) string {
	return base64.URLEncoding.EncodeToString([]byte(path))
}

// DecodeProjectID reverses EncodeProjectPath, returning the original path.
func DecodeProjectID(projectID string) (string, error) {
	b, err := base64.URLEncoding.DecodeString(projectID)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
