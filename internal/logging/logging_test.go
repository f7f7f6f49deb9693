package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerbosity(t *testing.T) {
	var buf bytes.Buffer
	log := NewTo(&buf, 1, false)

	log.Info("shown", "doc", 3)
	log.V(1).Info("also shown")
	log.V(2).Info("hidden")

	out := buf.String()
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"doc":3`)
	assert.Contains(t, out, "also shown")
	assert.NotContains(t, out, "hidden")
}
