package lifecycle

import (
	"fmt"
	"net"
	"os"
)

const (
	msgReady    = "READY=1"
	msgStopping = "STOPPING=1"
)

func statusMsg(text string) string {
	return "STATUS=" + text
}

// notify sends a raw sd_notify datagram. Without NOTIFY_SOCKET it does nothing.
func notify(msg string) error {
	sockPath := os.Getenv("NOTIFY_SOCKET")
	if sockPath == "" {
		return nil
	}

	addr := &net.UnixAddr{
		Name: sockPath,
		Net:  "unixgram",
	}

	conn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		return fmt.Errorf("notify dial failed: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("notify write failed: %w", err)
	}
	return nil
}
