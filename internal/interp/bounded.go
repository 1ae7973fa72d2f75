package interp

import (
	"bytes"
	"errors"
)

// errOutputLimit is returned when the log buffer exceeds its configured cap.
var errOutputLimit = errors.New("output limit exceeded")

// boundedBuffer caps total bytes written. When the cap is exceeded the
// write is truncated and errOutputLimit returned; accumulated output stays
// readable so partial logs survive a resource violation.
type boundedBuffer struct {
	buf       bytes.Buffer
	capBytes  int64
	truncated bool
}

func newBoundedBuffer(capBytes int64) *boundedBuffer {
	if capBytes <= 0 {
		capBytes = 64 << 10
	}
	return &boundedBuffer{capBytes: capBytes}
}

func (b *boundedBuffer) WriteString(s string) error {
	remaining := b.capBytes - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		return errOutputLimit
	}
	if int64(len(s)) > remaining {
		b.buf.WriteString(s[:remaining])
		b.truncated = true
		return errOutputLimit
	}
	b.buf.WriteString(s)
	return nil
}

func (b *boundedBuffer) String() string   { return b.buf.String() }
func (b *boundedBuffer) Truncated() bool  { return b.truncated }
