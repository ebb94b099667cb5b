package sandbox

import (
	"bytes"
	"fmt"
	"sync"
	"unicode/utf8"
)

const defaultOutputBytes = 64 * 1024

// cappedBuffer keeps at most limit bytes and counts the rest. Writes never
// fail, so the child keeps draining its pipe instead of blocking.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	dropped int64
}

func newCappedBuffer(limit int64) *cappedBuffer {
	if limit <= 0 {
		limit = defaultOutputBytes
	}
	return &cappedBuffer{limit: int(limit)}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.dropped += int64(len(p))
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.dropped += int64(len(p) - room)
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped > 0
}

// String returns the kept bytes, followed by a marker when output was cut.
func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropped == 0 {
		return c.buf.String()
	}
	kept := c.buf.Bytes()
	// do not end on half a rune
	for i := 0; i < utf8.UTFMax-1 && len(kept) > 0; i++ {
		if r, size := utf8.DecodeLastRune(kept); r != utf8.RuneError || size != 1 {
			break
		}
		kept = kept[:len(kept)-1]
	}
	return string(kept) + fmt.Sprintf("\n... (output truncated, %d bytes omitted)", c.dropped)
}
