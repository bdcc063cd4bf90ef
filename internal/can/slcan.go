package can

import (
	"bms-can-monitor/internal/models"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"
)

// slcanBitrates maps bitrates to the Sn setup command
var slcanBitrates = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

func slcanBitrateCommand(bitrate int) (string, error) {
	cmd, ok := slcanBitrates[bitrate]
	if !ok {
		return "", fmt.Errorf("slcan: unsupported bitrate %d", bitrate)
	}
	return cmd, nil
}

// encodeSLCAN renders f as an ASCII slcan command including the trailing CR
func encodeSLCAN(f models.Frame) ([]byte, error) {
	if f.DLC > models.MaxDataLength {
		return nil, fmt.Errorf("%w: dlc %d", ErrUnsupportedFrame, f.DLC)
	}

	var cmd byte
	var id string
	switch {
	case f.Extended && f.RTR:
		cmd, id = 'R', fmt.Sprintf("%08X", f.ID&0x1FFFFFFF)
	case f.Extended:
		cmd, id = 'T', fmt.Sprintf("%08X", f.ID&0x1FFFFFFF)
	case f.RTR:
		cmd, id = 'r', fmt.Sprintf("%03X", f.ID&0x7FF)
	default:
		cmd, id = 't', fmt.Sprintf("%03X", f.ID&0x7FF)
	}

	buf := make([]byte, 0, 1+len(id)+1+2*int(f.DLC)+1)
	buf = append(buf, cmd)
	buf = append(buf, id...)
	buf = append(buf, '0'+f.DLC)
	if !f.RTR {
		buf = append(buf, []byte(models.Frame{DLC: f.DLC, Data: f.Data}.DataHex())...)
	}
	return append(buf, '\r'), nil
}

// decodeSLCAN parses one frame line without its CR
func decodeSLCAN(line []byte) (models.Frame, error) {
	if len(line) == 0 {
		return models.Frame{}, errors.New("slcan: empty line")
	}

	var f models.Frame
	idLen := 3
	switch line[0] {
	case 't':
	case 'r':
		f.RTR = true
	case 'T':
		f.Extended = true
		idLen = 8
	case 'R':
		f.Extended = true
		f.RTR = true
		idLen = 8
	default:
		return f, fmt.Errorf("slcan: unknown command %q", line[0])
	}

	if len(line) < 1+idLen+1 {
		return f, fmt.Errorf("slcan: short frame %q", line)
	}

	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return f, fmt.Errorf("slcan: invalid id: %w", err)
	}
	f.ID = uint32(id)

	dlc := line[1+idLen]
	if dlc < '0' || dlc > '8' {
		return f, fmt.Errorf("slcan: invalid dlc %q", dlc)
	}
	f.DLC = dlc - '0'

	if f.RTR {
		return f, nil
	}

	data := line[2+idLen:]
	if len(data) < 2*int(f.DLC) {
		return f, fmt.Errorf("slcan: expected %d data bytes, got %q", f.DLC, data)
	}
	if _, err := hex.Decode(f.Data[:f.DLC], data[:2*int(f.DLC)]); err != nil {
		return f, fmt.Errorf("slcan: invalid data: %w", err)
	}
	return f, nil
}

// SLCAN is a Controller for Lawicel-protocol serial adapters
type SLCAN struct {
	portName string
	baudRate int

	mu      sync.Mutex
	port    serial.Port
	bitrate int
	closed  bool
	line    []byte
	pending []models.Frame
	readBuf [256]byte
	filters []uint32
}

// NewSLCAN returns a controller for the adapter on portName
func NewSLCAN(portName string, baudRate int) *SLCAN {
	if baudRate <= 0 {
		baudRate = 115200
	}
	return &SLCAN{portName: portName, baudRate: baudRate, closed: true}
}

func (s *SLCAN) command(cmd string) error {
	if _, err := s.port.Write([]byte(cmd + "\r")); err != nil {
		return fmt.Errorf("failed to write to com port: %w", err)
	}
	return nil
}

func (s *SLCAN) Open(bitrate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	setup, err := slcanBitrateCommand(bitrate)
	if err != nil {
		return err
	}

	mode := &serial.Mode{
		BaudRate: s.baudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(s.portName, mode)
	if err != nil {
		return fmt.Errorf("failed to open com port %q: %w", s.portName, err)
	}
	if err := p.SetReadTimeout(time.Millisecond); err != nil {
		p.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}
	p.ResetInputBuffer()
	p.ResetOutputBuffer()
	s.port = p

	// close any channel left open by a previous session
	s.command("C")
	time.Sleep(10 * time.Millisecond)
	if err := s.command(setup); err != nil {
		p.Close()
		return err
	}
	time.Sleep(10 * time.Millisecond)
	if err := s.command("O"); err != nil {
		p.Close()
		return err
	}

	s.bitrate = bitrate
	s.closed = false
	s.line = s.line[:0]
	s.pending = nil
	return nil
}

func (s *SLCAN) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.command("C")
	time.Sleep(10 * time.Millisecond)
	return s.port.Close()
}

// feed splits serial input into CR-terminated lines and queues decoded frames
func (s *SLCAN) feed(data []byte) {
	for _, b := range data {
		switch b {
		case '\r':
			if len(s.line) > 0 {
				if f, err := decodeSLCAN(s.line); err == nil && s.accept(f.ID) {
					s.pending = append(s.pending, f)
				}
			}
			s.line = s.line[:0]
		case '\a':
			// adapter NACK
			s.line = s.line[:0]
		default:
			s.line = append(s.line, b)
		}
	}
}

func (s *SLCAN) accept(id uint32) bool {
	return len(s.filters) == 0 || slices.Contains(s.filters, id)
}

func (s *SLCAN) Receive() (models.Frame, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.Frame{}, false, ErrControllerClosed
	}

	if len(s.pending) == 0 {
		n, err := s.port.Read(s.readBuf[:])
		if err != nil {
			return models.Frame{}, false, fmt.Errorf("failed to read com port: %w", err)
		}
		s.feed(s.readBuf[:n])
	}

	if len(s.pending) == 0 {
		return models.Frame{}, false, nil
	}
	f := s.pending[0]
	s.pending = s.pending[1:]
	return f, true, nil
}

func (s *SLCAN) Transmit(f models.Frame, _ time.Duration) error {
	buf, err := encodeSLCAN(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrInvalidState
	}
	if _, err := s.port.Write(buf); err != nil {
		return fmt.Errorf("failed to write to com port: %w", err)
	}
	return nil
}

// Status reports what the adapter exposes; slcan carries no error counters.
func (s *SLCAN) Status() (models.ControllerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := models.ControllerStatus{
		Interface: s.portName,
		Timestamp: time.Now(),
		Bitrate:   s.bitrate,
		TXQueued:  -1,
		RXQueued:  len(s.pending),
	}
	if s.closed {
		st.State = "DOWN"
		st.BusState = models.BusStateStopped
	} else {
		st.State = "UP"
		st.BusState = models.BusStateErrorActive
	}
	return st, nil
}

// InitiateRecovery closes the CAN channel; Restart reopens it.
func (s *SLCAN) InitiateRecovery() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrInvalidState
	}
	return s.command("C")
}

func (s *SLCAN) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrInvalidState
	}
	return s.command("O")
}

// SetFilter filters in software; slcan acceptance masks are adapter specific.
func (s *SLCAN) SetFilter(ids []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = slices.Clone(ids)
	return nil
}
