package gatt

import (
	"fmt"

	"github.com/google/uuid"
)

// JobKind is the attribute operation a job performs.
type JobKind int

const (
	CharRead JobKind = iota
	CharWrite
	DescRead
	DescWrite
)

func (k JobKind) String() string {
	switch k {
	case CharRead:
		return "char_read"
	case CharWrite:
		return "char_write"
	case DescRead:
		return "desc_read"
	case DescWrite:
		return "desc_write"
	default:
		return "unknown"
	}
}

// Job is one queued attribute operation. The target is addressed by service UUID and
// handles so it can be resolved (or found missing) at dispatch and completion time.
type Job struct {
	Kind    JobKind
	Service uuid.UUID
	Char    Handle
	Desc    Handle
	Value   []byte
	Mode    WriteMode

	// Discovery marks jobs scheduled while populating a service; their results are not
	// reported to the caller. LastDiscovery completes the service's discovery.
	Discovery     bool
	LastDiscovery bool

	// aborted jobs were already failed; their completion only frees the queue.
	aborted bool
}

func (j *Job) String() string {
	return fmt.Sprintf("%s service=%s char=%s desc=%s discovery=%t last=%t",
		j.Kind, j.Service, j.Char, j.Desc, j.Discovery, j.LastDiscovery)
}

func (j *Job) isDescriptor() bool {
	return j.Kind == DescRead || j.Kind == DescWrite
}

// errorKind maps a failed caller job to its service error kind.
func (j *Job) errorKind() ServiceErrorKind {
	switch j.Kind {
	case CharRead:
		return CharacteristicReadError
	case CharWrite:
		return CharacteristicWriteError
	case DescRead:
		return DescriptorReadError
	default:
		return DescriptorWriteError
	}
}
