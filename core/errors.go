package core

import (
	"github.com/pkg/errors"

	"github.com/najoast/isoheap/marshal"
)

// Errors returned by mailbox, worker and runtime operations. Call sites wrap
// them with the worker they concern; match with errors.Is.
var (
	// ErrUnmarshalable is returned when a message or bootstrap value cannot
	// cross a heap boundary. Nothing was enqueued or created.
	ErrUnmarshalable = marshal.ErrUnmarshalable

	// ErrCorruptMessage is returned when a received buffer does not decode
	// against the receiving heap. The message is consumed.
	ErrCorruptMessage = marshal.ErrCorrupt

	ErrWouldBlock      = errors.New("mailbox is full")
	ErrTimeout         = errors.New("timed out")
	ErrDeadTarget      = errors.New("target mailbox is closed")
	ErrInvalidTimeout  = errors.New("invalid timeout")
	ErrInvalidCapacity = errors.New("invalid mailbox capacity")

	ErrClosed         = errors.New("mailbox closed")
	ErrReleased       = errors.New("handle released")
	ErrRuntimeClosed  = errors.New("runtime is shut down")
	ErrTooManyWorkers = errors.New("too many workers")
	ErrNameTaken      = errors.New("worker name already in use")
	ErrNotFound       = errors.New("worker not found")
)
