// Package serverproxy implements the osocks side of the tunnel: accept the
// inner handshake, resolve the requested host asynchronously, dial the
// destination (trying every resolved address in turn), and relay the
// established connection — the Go rendering of original_source/osocks.c's
// conn_t state machine (spec.md §3/§4.3) on top of internal/ioreactor and
// internal/resolver.
package serverproxy

// state mirrors original_source/osocks.c's state_t enum exactly.
type state int

const (
	stateClosed state = iota
	stateReqRcvd
	stateReqErr
	stateConnected
	stateEstab
	stateCloseWait
)

func (s state) String() string {
	switch s {
	case stateClosed:
		return "CLOSED"
	case stateReqRcvd:
		return "REQ_RCVD"
	case stateReqErr:
		return "REQ_ERR"
	case stateConnected:
		return "CONNECTED"
	case stateEstab:
		return "ESTAB"
	case stateCloseWait:
		return "CLOSE_WAIT"
	default:
		return "UNKNOWN"
	}
}
