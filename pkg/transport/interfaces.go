package transport

import (
	"github.com/devicehive/notifyhub/pkg/service"
	"github.com/devicehive/notifyhub/pkg/session"
)

// FrameReadWriter provides length-prefixed frame I/O.
// Implemented by Framer.
type FrameReadWriter interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
}

// Compile-time interface satisfaction checks.
var (
	_ session.Conn    = (*ServerConn)(nil)
	_ Handler         = (*service.Service)(nil)
	_ FrameReadWriter = (*Framer)(nil)
)
