package session

import (
	"sync"
	"unicode/utf8"
)

// Surface is the participant's editable view of the document. Offsets are in
// characters. The session only touches it from its event loop, but owners
// usually edit it from elsewhere, so implementations must be safe for
// concurrent use.
type Surface interface {
	Text() string
	SetText(text string)
	// Swap replaces the text only if it still equals old and reports
	// whether it did.
	Swap(old, text string) bool
	Cursor() int
	SetCursor(pos int)
	Scroll() int
	SetScroll(offset int)
}

// Buffer is an in-memory Surface.
type Buffer struct {
	mu     sync.Mutex
	text   string
	cursor int
	scroll int
}

func NewBuffer(text string) *Buffer {
	return &Buffer{text: text}
}

func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

// SetText replaces the text, pulling the cursor back inside it if needed.
func (b *Buffer) SetText(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = text
	b.cursor = min(b.cursor, utf8.RuneCountInString(text))
}

func (b *Buffer) Swap(old, text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.text != old {
		return false
	}
	b.text = text
	b.cursor = min(b.cursor, utf8.RuneCountInString(text))
	return true
}

func (b *Buffer) Cursor() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

func (b *Buffer) SetCursor(pos int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = min(max(pos, 0), utf8.RuneCountInString(b.text))
}

func (b *Buffer) Scroll() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scroll
}

func (b *Buffer) SetScroll(offset int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scroll = max(offset, 0)
}

// Type inserts s at the cursor and moves the cursor past it, the way a
// keystroke would.
func (b *Buffer) Type(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := []rune(b.text)
	at := min(b.cursor, len(r))
	b.text = string(r[:at]) + s + string(r[at:])
	b.cursor = at + utf8.RuneCountInString(s)
}
