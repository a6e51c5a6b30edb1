package idcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	paths := []string{
		"/home/user/projects/my-app",
		"relative/path",
		"",
		"/path with spaces/and-dashes_underscores",
	}

	for _, path := range paths {
		encoded := EncodeProjectPath(path)
		decoded, err := DecodeProjectID(encoded)
		require.NoError(t, err)
		assert.Equal(t, path, decoded)
	}
}

func TestEncodeProjectPathIsURLSafe(t *testing.T) {
	encoded := EncodeProjectPath("/some/path?with=query&chars")
	assert.NotContains(t, encoded, "/")
	assert.NotContains(t, encoded, "+")
}

func TestDecodeProjectIDRejectsInvalidInput(t *testing.T) {
	_, err := DecodeProjectID("not valid base64!!")
	assert.Error(t, err)
}
