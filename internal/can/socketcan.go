package can

import (
	"bms-can-monitor/internal/models"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// frameSize is sizeof(struct can_frame)
const frameSize = 16

// SocketCAN is a Controller over a Linux raw CAN socket
type SocketCAN struct {
	ifname        string
	link          *Link
	configureLink bool

	mu  sync.Mutex
	fd  int
	buf [frameSize]byte
}

// NewSocketCAN creates a controller for ifname. When configureLink is set,
// Open programs the bitrate through iproute2 before binding.
func NewSocketCAN(ifname string, link *Link, configureLink bool) *SocketCAN {
	if link == nil {
		link = NewLink(ifname, nil)
	}
	return &SocketCAN{ifname: ifname, link: link, configureLink: configureLink, fd: -1}
}

func (s *SocketCAN) Open(bitrate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fd >= 0 {
		return nil
	}

	if s.configureLink {
		if err := s.link.Configure(bitrate); err != nil {
			return fmt.Errorf("failed to configure %s: %w", s.ifname, err)
		}
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("failed to create CAN socket: %w", err)
	}

	ifreq, err := unix.NewIfreq(s.ifname)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to create ifreq: %w", err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifreq); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to get interface index: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: int(ifreq.Uint32())}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to bind socket: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to set non-blocking: %w", err)
	}

	s.fd = fd
	return nil
}

func (s *SocketCAN) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

func decodeSocketCANFrame(buf []byte) (models.Frame, bool) {
	raw := binary.LittleEndian.Uint32(buf[0:4])
	if raw&unix.CAN_ERR_FLAG != 0 {
		return models.Frame{}, false
	}

	f := models.Frame{
		DLC:      min(buf[4], models.MaxDataLength),
		Extended: raw&unix.CAN_EFF_FLAG != 0,
		RTR:      raw&unix.CAN_RTR_FLAG != 0,
	}
	if f.Extended {
		f.ID = raw & unix.CAN_EFF_MASK
	} else {
		f.ID = raw & unix.CAN_SFF_MASK
	}
	copy(f.Data[:], buf[8:16])
	return f, true
}

func encodeSocketCANFrame(f models.Frame, buf []byte) {
	id := f.ID
	if f.Extended {
		id = id&unix.CAN_EFF_MASK | unix.CAN_EFF_FLAG
	}
	if f.RTR {
		id |= unix.CAN_RTR_FLAG
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.DLC
	buf[5], buf[6], buf[7] = 0, 0, 0
	copy(buf[8:16], f.Data[:])
}

func (s *SocketCAN) Receive() (models.Frame, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fd < 0 {
		return models.Frame{}, false, ErrControllerClosed
	}

	for {
		n, err := unix.Read(s.fd, s.buf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return models.Frame{}, false, nil
			}
			return models.Frame{}, false, fmt.Errorf("read error: %w", err)
		}
		if n < frameSize {
			return models.Frame{}, false, fmt.Errorf("incomplete CAN frame received: %d bytes", n)
		}
		if f, ok := decodeSocketCANFrame(s.buf[:]); ok {
			return f, true, nil
		}
	}
}

func (s *SocketCAN) Transmit(f models.Frame, timeout time.Duration) error {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()

	if fd < 0 {
		return ErrInvalidState
	}

	var buf [frameSize]byte
	encodeSocketCANFrame(f, buf[:])

	deadline := time.Now().Add(timeout)
	for {
		_, err := unix.Write(fd, buf[:])
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.ENETDOWN), errors.Is(err, unix.EBADF):
			return fmt.Errorf("%w: %v", ErrInvalidState, err)
		case !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.ENOBUFS):
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTxQueueFull
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		if _, err := unix.Poll(pfd, max(int(remaining.Milliseconds()), 1)); err != nil && !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func (s *SocketCAN) Status() (models.ControllerStatus, error) {
	return s.link.Status()
}

func (s *SocketCAN) InitiateRecovery() error {
	return s.link.Restart()
}

func (s *SocketCAN) Restart() error {
	st, err := s.link.Status()
	if err != nil {
		return err
	}
	if st.IsBusOff() {
		return fmt.Errorf("%w: %s still bus-off", ErrInvalidState, s.ifname)
	}
	if st.State != "UP" {
		return s.link.Up()
	}
	return nil
}

// SetFilter installs exact-match receive filters
func (s *SocketCAN) SetFilter(ids []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return ErrControllerClosed
	}

	filters := make([]unix.CanFilter, 0, len(ids))
	for _, id := range ids {
		if id > unix.CAN_SFF_MASK {
			filters = append(filters, unix.CanFilter{
				Id:   id | unix.CAN_EFF_FLAG,
				Mask: unix.CAN_EFF_MASK | unix.CAN_EFF_FLAG | unix.CAN_RTR_FLAG,
			})
			continue
		}
		filters = append(filters, unix.CanFilter{
			Id:   id,
			Mask: unix.CAN_SFF_MASK | unix.CAN_EFF_FLAG | unix.CAN_RTR_FLAG,
		})
	}
	if len(filters) == 0 {
		filters = append(filters, unix.CanFilter{})
	}

	if err := unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters); err != nil {
		return fmt.Errorf("failed to set filter: %w", err)
	}
	return nil
}
