package capture

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/jnesss/xpc-recorder/types"
	"github.com/jnesss/xpc-recorder/xpc"
)

// Unknown is the placeholder for metadata that could not be read.
const Unknown = "unknown"

// PID is a peer process id. UnknownPID renders as "unknown".
type PID int

const UnknownPID PID = -1

func (p PID) Known() bool { return p >= 0 }

func (p PID) String() string {
	if !p.Known() {
		return Unknown
	}
	return strconv.Itoa(int(p))
}

func (p PID) MarshalJSON() ([]byte, error) {
	if !p.Known() {
		return json.Marshal(Unknown)
	}
	return []byte(strconv.Itoa(int(p))), nil
}

func (p PID) MarshalCBOR() ([]byte, error) {
	if !p.Known() {
		return xpc.MarshalCBOR(Unknown)
	}
	return xpc.MarshalCBOR(int(p))
}

// Event is one observed message crossing the send or receive boundary.
// It is never modified after being handed to a Sink.
type Event struct {
	ID             string          `json:"id"`
	Function       string          `json:"xpc_function"`
	Direction      types.Direction `json:"direction"`
	Thread         string          `json:"thread"`
	ConnectionName string          `json:"connection_name"`
	ConnectionPID  PID             `json:"connection_pid"`
	PeerName       string          `json:"peer_name,omitempty"`
	Message        xpc.Value       `json:"message"`
	Timestamp      time.Time       `json:"timestamp"`
	// Faults lists what could not be read; the record is degraded, not lost.
	Faults []string `json:"faults,omitempty"`
}

// Degraded reports whether any field had to be replaced by a placeholder.
func (e *Event) Degraded() bool { return len(e.Faults) > 0 }
