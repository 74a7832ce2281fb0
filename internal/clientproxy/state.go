// Package clientproxy implements the isocks side of the tunnel: a SOCKS5
// front-end that negotiates with the local application, picks an upstream
// iosocks server, performs the inner handshake, and relays the established
// connection — the Go rendering of original_source/isocks.c's conn_t state
// machine (spec.md §3/§4.2) on top of internal/ioreactor.
package clientproxy

// state mirrors original_source/isocks.c's state_t enum exactly, including
// its naming and ordering, since isocks.c's callback dispatch (and this
// one) is a switch over these values.
type state int

const (
	stateClosed state = iota
	stateNegoRcvd
	stateNegoErr
	stateNegoSent
	stateCmdRcvd
	stateCmdErr
	stateConnected
	stateReqSent
	stateRepRcvd
	stateReqErr
	stateEstab
	stateCloseWait
)

func (s state) String() string {
	switch s {
	case stateClosed:
		return "CLOSED"
	case stateNegoRcvd:
		return "NEGO_RCVD"
	case stateNegoErr:
		return "NEGO_ERR"
	case stateNegoSent:
		return "NEGO_SENT"
	case stateCmdRcvd:
		return "CMD_RCVD"
	case stateCmdErr:
		return "CMD_ERR"
	case stateConnected:
		return "CONNECTED"
	case stateReqSent:
		return "REQ_SENT"
	case stateRepRcvd:
		return "REP_RCVD"
	case stateReqErr:
		return "REQ_ERR"
	case stateEstab:
		return "ESTAB"
	case stateCloseWait:
		return "CLOSE_WAIT"
	default:
		return "UNKNOWN"
	}
}
