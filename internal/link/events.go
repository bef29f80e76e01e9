package link

import (
	"github.com/google/uuid"

	"github.com/chaz8081/pixelble/internal/ble"
	"github.com/chaz8081/pixelble/internal/ble/protocol"
)

// event is anything the controller loop consumes. Platform events carry the
// attempt or scan generation they belong to; stale ones are ignored.
type event interface{}

type op uint8

const (
	opStartScan op = iota
	opStopScan
	opConnect
	opSend
	opDisconnect
)

// request is a caller operation. The loop answers on reply exactly once.
type request struct {
	op      op
	address string
	payload []byte
	reply   chan error
}

type advertEvent struct {
	gen        uint64
	peripheral ble.Peripheral
}

type scanEndedEvent struct {
	gen uint64
	err error
}

type linkUpEvent struct {
	attempt uuid.UUID
}

type openResultEvent struct {
	attempt uuid.UUID
	err     error
}

type readingEvent struct {
	attempt uuid.UUID
	reading protocol.Reading
}

type linkLostEvent struct {
	attempt uuid.UUID
	status  ble.Status
}

type retryEvent struct {
	gen uint64
}

type disconnectTimeoutEvent struct {
	attempt uuid.UUID
}
