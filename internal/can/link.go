package can

import (
	"bms-can-monitor/internal/models"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CommandRunner runs an external command and returns its combined output
type CommandRunner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Link drives a SocketCAN network interface through iproute2
type Link struct {
	ifname string
	run    CommandRunner
}

// NewLink returns a Link for ifname. A nil runner uses os/exec.
func NewLink(ifname string, runner CommandRunner) *Link {
	if runner == nil {
		runner = execRunner
	}
	return &Link{ifname: ifname, run: runner}
}

func (l *Link) ip(args ...string) ([]byte, error) {
	out, err := l.run("ip", args...)
	if err != nil {
		return out, fmt.Errorf("ip %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Status parses `ip -details -statistics link show`
func (l *Link) Status() (models.ControllerStatus, error) {
	out, err := l.ip("-details", "-statistics", "link", "show", l.ifname)
	if err != nil {
		return models.ControllerStatus{}, err
	}
	st := parseIPOutput(string(out))
	st.Interface = l.ifname
	st.Timestamp = time.Now()
	return st, nil
}

// Configure sets the bitrate and brings the interface up. Needs CAP_NET_ADMIN.
func (l *Link) Configure(bitrate int) error {
	if _, err := l.ip("link", "set", l.ifname, "down"); err != nil {
		return err
	}
	if _, err := l.ip("link", "set", l.ifname, "type", "can", "bitrate", strconv.Itoa(bitrate), "restart-ms", "0"); err != nil {
		return err
	}
	return l.Up()
}

// Up brings the interface up
func (l *Link) Up() error {
	_, err := l.ip("link", "set", l.ifname, "up")
	return err
}

// Restart asks the kernel to leave bus-off
func (l *Link) Restart() error {
	_, err := l.ip("link", "set", l.ifname, "type", "can", "restart")
	return err
}

var (
	reFlags       = regexp.MustCompile(`<([^>]*)>`)
	reMTU         = regexp.MustCompile(`mtu (\d+)`)
	reQlen        = regexp.MustCompile(`qlen (\d+)`)
	reBitrate     = regexp.MustCompile(`bitrate (\d+)`)
	reSamplePoint = regexp.MustCompile(`sample-point ([\d.]+)`)
	reCANState    = regexp.MustCompile(`state ([A-Z-]+)`)
	reBerr        = regexp.MustCompile(`berr-counter tx (\d+) rx (\d+)`)
	reRestartMS   = regexp.MustCompile(`restart-ms (\d+)`)
)

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atou(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}

// parseIPOutput extracts controller state from iproute2 detail output.
// Missing sections leave their fields zero.
func parseIPOutput(output string) models.ControllerStatus {
	st := models.ControllerStatus{TXQueued: -1, RXQueued: -1}
	lines := strings.Split(output, "\n")

	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		next := func() []string {
			if i+1 < len(lines) {
				return strings.Fields(lines[i+1])
			}
			return nil
		}

		switch {
		case i == 0:
			// 3: can0: <NOARP,UP,LOWER_UP,ECHO> mtu 16 qdisc pfifo_fast state UP mode DEFAULT group default qlen 10
			st.State = "DOWN"
			if m := reFlags.FindStringSubmatch(line); m != nil {
				for flag := range strings.SplitSeq(m[1], ",") {
					if flag == "UP" {
						st.State = "UP"
					}
				}
			}
			if m := reMTU.FindStringSubmatch(line); m != nil {
				st.MTU = atoi(m[1])
			}
			if m := reQlen.FindStringSubmatch(line); m != nil {
				st.QueueLength = atoi(m[1])
			}

		case strings.HasPrefix(line, "can "):
			// can <LOOPBACK> state ERROR-ACTIVE (berr-counter tx 0 rx 0) restart-ms 0
			if m := reFlags.FindStringSubmatch(line); m != nil {
				st.ControllerMode = m[1]
			}
			if m := reCANState.FindStringSubmatch(line); m != nil {
				st.BusState = m[1]
			}
			if m := reBerr.FindStringSubmatch(line); m != nil {
				st.TXErrorCounter = atoi(m[1])
				st.RXErrorCounter = atoi(m[2])
			}
			if m := reRestartMS.FindStringSubmatch(line); m != nil {
				st.RestartMS = atoi(m[1])
			}

		case strings.HasPrefix(line, "bitrate "):
			// bitrate 500000 sample-point 0.875
			if m := reBitrate.FindStringSubmatch(line); m != nil {
				st.Bitrate = atoi(m[1])
			}
			if m := reSamplePoint.FindStringSubmatch(line); m != nil {
				sp, _ := strconv.ParseFloat(m[1], 64)
				st.SamplePoint = fmt.Sprintf("%.1f%%", sp*100)
			}

		case strings.HasPrefix(line, "re-started"):
			// re-started bus-errors arbit-lost error-warn error-pass bus-off
			// 0          0          0          0          0          0
			if v := next(); len(v) >= 6 {
				st.BusOffRestarts = atou(v[0])
				st.BusErrorCounter = atoi(v[1])
				st.ArbitrationLost = atou(v[2])
				st.ErrorWarning = atou(v[3])
				st.ErrorPassive = atou(v[4])
				st.BusOff = atou(v[5])
			}

		case strings.HasPrefix(line, "RX:"):
			// RX:  bytes packets errors dropped  missed   mcast
			if v := next(); len(v) >= 4 {
				st.RXPackets = atou(v[1])
				st.RXErrors = atou(v[2])
				st.RXDropped = atou(v[3])
			}

		case strings.HasPrefix(line, "TX:"):
			if v := next(); len(v) >= 4 {
				st.TXPackets = atou(v[1])
				st.TXErrors = atou(v[2])
				st.TXDropped = atou(v[3])
			}
		}
	}

	return st
}
