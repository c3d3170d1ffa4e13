package lib

// State enumerates the RFC 793 connection states.
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN-SENT",
	StateSynReceived: "SYN-RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN-WAIT-1",
	StateFinWait2:    "FIN-WAIT-2",
	StateCloseWait:   "CLOSE-WAIT",
	StateClosing:     "CLOSING",
	StateLastAck:     "LAST-ACK",
	StateTimeWait:    "TIME-WAIT",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// IsSynchronized reports whether both sides have exchanged SYNs.
func (s State) IsSynchronized() bool {
	return s >= StateSynReceived
}

// canSend reports whether user data may still be queued for transmission.
func (s State) canSend() bool {
	switch s {
	case StateSynSent, StateSynReceived, StateEstablished, StateCloseWait:
		return true
	}
	return false
}

// canReceive reports whether an empty Receive may wait for the peer's data.
// Once our FIN is out an empty Receive reports end of stream.
func (s State) canReceive() bool {
	switch s {
	case StateSynSent, StateSynReceived, StateEstablished:
		return true
	}
	return false
}
