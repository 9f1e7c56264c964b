package engine

// ResultCode is the set of transport result codes consumed by the
// engine. The zero value is SUCCESS so a freshly constructed zero-value
// ResultCode never accidentally reads as an error.
type ResultCode int

const (
	Success ResultCode = iota
	HashMismatch
	Timeout
	TransportError
	BaseDirLost
	ConnLost
	SocketError
	IntError

	// ErrorCodes marks the end of the valid code range; a transport
	// returning a code at or past it is treated as unknown.
	ErrorCodes
)

func (c ResultCode) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case HashMismatch:
		return "HASH_MISMATCH"
	case Timeout:
		return "TIMEOUT"
	case TransportError:
		return "ERROR"
	case BaseDirLost:
		return "BASE_DIR_LOST"
	case ConnLost:
		return "CONN_LOST"
	case SocketError:
		return "SOCKET_ERROR"
	case IntError:
		return "INT_ERROR"
	default:
		return "UNKNOWN"
	}
}

// fullRetainsPartial reports whether a full-transfer failure with this
// code retains a partial file (TIMEOUT or ERROR only).
func (c ResultCode) fullRetainsPartial() bool {
	return c == Timeout || c == TransportError
}

// patchRetainsPartial reports whether a patch-transfer failure with this
// code retains a partial file by keeping whatever is in patchfile.
func (c ResultCode) patchRetainsPartial() bool {
	return c == Timeout || c == ConnLost || c == SocketError
}

// escalatesOfflineFull reports whether this code latches the engine
// offline when returned from full transfer.
func (c ResultCode) escalatesOfflineFull() bool {
	return c == Timeout || c == TransportError || c == BaseDirLost
}

// escalatesOfflinePatch reports the wider offline-escalation set for
// patch transfer.
func (c ResultCode) escalatesOfflinePatch() bool {
	switch c {
	case Timeout, TransportError, SocketError, IntError, BaseDirLost, ConnLost:
		return true
	default:
		return false
	}
}
