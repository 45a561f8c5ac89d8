package watchdog

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// ErrNoSocket means NOTIFY_SOCKET is not set; the process is not running
// under a supervising init system.
var ErrNoSocket = errors.New("NOTIFY_SOCKET not set")

// SdNotifier sends sd_notify datagrams to the socket systemd exports in
// NOTIFY_SOCKET.
type SdNotifier struct {
	addr string
}

// NewSdNotifier reads NOTIFY_SOCKET. Callers should treat ErrNoSocket as
// "run without a supervisor", not a failure.
func NewSdNotifier() (*SdNotifier, error) {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return nil, ErrNoSocket
	}
	// Abstract socket addresses arrive with a leading '@'.
	if addr[0] == '@' {
		addr = "\x00" + addr[1:]
	}
	return &SdNotifier{addr: addr}, nil
}

// Notify sends one state line, e.g. "READY=1" or "WATCHDOG=1".
func (n *SdNotifier) Notify(state string) error {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: n.addr, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("dial notify socket: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("write notify state: %w", err)
	}
	return nil
}

// IntervalFromEnv derives the heartbeat interval from WATCHDOG_USEC,
// halving the window as systemd recommends. It returns false when the
// variable is absent or unusable.
func IntervalFromEnv() (time.Duration, bool) {
	raw := os.Getenv("WATCHDOG_USEC")
	if raw == "" {
		return 0, false
	}
	usec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || usec <= 0 {
		return 0, false
	}
	return time.Duration(usec) * time.Microsecond / 2, true
}
