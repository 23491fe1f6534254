package wsrpc

import (
	"time"
)

type Timeouts struct {
	Handshake  time.Duration
	Write      time.Duration
	CloseGrace time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Handshake:  10 * time.Second,
		Write:      10 * time.Second,
		CloseGrace: time.Second,
	}
}
