package node

// Status is the per-node protocol state. The numeric values match what
// the firmware reports in RESP_ST's status byte (UNKNOWN=-1, the rest
// counting up from STOPPING_RX=0), so the raw wire value converts
// directly.
type Status int

const (
	StatusUnknown    Status = -1
	StatusStoppingRx Status = 0
	StatusIdle       Status = 1
	StatusTxDone     Status = 2
	StatusTx         Status = 3
	StatusRx         Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusStoppingRx:
		return "STOPPING_RX"
	case StatusIdle:
		return "IDLE"
	case StatusTxDone:
		return "TXDONE"
	case StatusTx:
		return "TX"
	case StatusRx:
		return "RX"
	default:
		return "INVALID"
	}
}
