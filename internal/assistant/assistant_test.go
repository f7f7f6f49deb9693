package assistant

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest("hello world", "be brave", 6)
	assert.Equal(t, "hello ", req.Before)
	assert.Equal(t, "world", req.After)
	assert.Equal(t, "be brave", req.Prompt)

	req = NewRequest("abc", "p", 99)
	assert.Equal(t, "abc", req.Before)
	assert.Equal(t, "", req.After)

	req = NewRequest("abc", "p", -4)
	assert.Equal(t, "", req.Before)
	assert.Equal(t, "abc", req.After)
}

func TestNewRequestLimitsContext(t *testing.T) {
	content := strings.Repeat("a", 1000) + strings.Repeat("b", 1000)
	req := NewRequest(content, "p", 1000)
	assert.Equal(t, strings.Repeat("a", ContextSize), req.Before)
	assert.Equal(t, strings.Repeat("b", ContextSize), req.After)
}

func TestUserPrompt(t *testing.T) {
	p := Request{Prompt: "add a title", Before: "x", After: "y"}.UserPrompt()
	assert.Equal(t, "Before cursor:\nx\n\nUser request:\nadd a title\n\nAfter cursor:\ny", p)
}
