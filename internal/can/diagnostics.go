package can

import (
	"fmt"
	"strings"
)

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// Diagnostics renders a human-readable snapshot of the driver and controller
func (d *Driver) Diagnostics() string {
	stats := d.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "CAN Driver Status:\n")
	fmt.Fprintf(&b, "  Initialized: %s\n", yesNo(d.Initialized()))
	fmt.Fprintf(&b, "  Status: %s\n", d.StatusString())
	fmt.Fprintf(&b, "  Bitrate: %d bps\n", d.Bitrate())
	fmt.Fprintf(&b, "\nStatistics:\n")
	fmt.Fprintf(&b, "  RX Count: %d\n", stats.RXCount)
	fmt.Fprintf(&b, "  TX Count: %d\n", stats.TXCount)
	fmt.Fprintf(&b, "  RX Dropped: %d\n", stats.RXDropped)
	fmt.Fprintf(&b, "  TX Failed: %d\n", stats.TXFailed)
	fmt.Fprintf(&b, "  Bus-off Count: %d\n", stats.BusOffCount)
	fmt.Fprintf(&b, "  Error Count: %d\n", stats.ErrorCount)

	if kind, err := d.LastTxError(); err != nil {
		fmt.Fprintf(&b, "  Last TX Error: %s (%v)\n", kind, err)
	}

	fmt.Fprintf(&b, "\nController Hardware:\n")
	st, err := d.ctrl.Status()
	if err != nil {
		fmt.Fprintf(&b, "  State: N/A\n")
		fmt.Fprintf(&b, "  TX Queue: 0 messages waiting\n")
		fmt.Fprintf(&b, "  RX Queue: 0 messages waiting\n")
		fmt.Fprintf(&b, "  TX Error Counter: 0\n")
		fmt.Fprintf(&b, "  RX Error Counter: 0\n")
		fmt.Fprintf(&b, "  Bus Error Counter: 0\n")
		return b.String()
	}

	state := st.BusState
	if state == "" {
		state = "UNKNOWN"
	}
	fmt.Fprintf(&b, "  State: %s\n", state)
	fmt.Fprintf(&b, "  TX Queue: %s messages waiting\n", queued(st.TXQueued))
	fmt.Fprintf(&b, "  RX Queue: %s messages waiting\n", queued(st.RXQueued))
	fmt.Fprintf(&b, "  TX Error Counter: %d\n", st.TXErrorCounter)
	fmt.Fprintf(&b, "  RX Error Counter: %d\n", st.RXErrorCounter)
	fmt.Fprintf(&b, "  Bus Error Counter: %d\n", st.BusErrorCounter)
	return b.String()
}

func queued(n int) string {
	if n < 0 {
		return "N/A"
	}
	return fmt.Sprintf("%d", n)
}
