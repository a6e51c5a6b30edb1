package orphaninfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfer(t *testing.T) {
	cases := []struct {
		name               string
		everOwned, hasResult bool
		want               Outcome
	}{
		{"owned, no result", true, false, OutcomeInterrupted},
		{"owned, has result", true, true, OutcomeUnknown},
		{"never owned, no result", false, false, OutcomeUnknown},
		{"never owned, has result", false, true, OutcomeUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Infer(c.everOwned, c.hasResult))
		})
	}
}
