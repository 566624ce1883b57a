package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/orrn/labeld/internal/config"
)

var (
	ErrPrinterOffline     = errors.New("printer is offline")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrInvalidStatus      = errors.New("invalid status response")
	ErrPrinterCannotPrint = errors.New("printer cannot print in current state")
)

const (
	defaultTCPPort          = "9100"
	statusCommand           = "\x1b!?"
	statusResponseLength    = 4
	defaultReadWriteTimeout = 10 * time.Second
)

var printerStateMap = map[byte]string{
	'@': "normal",
	'F': "feeding",
	'P': "paused",
	'E': "error",
	'H': "head_open",
	'S': "standby",
	'L': "label_waiting",
	'I': "idle",
}

var warningMap = map[byte]string{
	'@': "none",
	'A': "paper_low",
	'B': "ribbon_low",
	'C': "paper_and_ribbon_low",
}

var errorMap = map[byte]string{
	'@': "none",
	'A': "head_overheat",
	'B': "motor_overheat",
	'C': "head_and_motor_overheat",
	'D': "head_error",
	'E': "cutter_error",
	'F': "rtc_error",
}

var mediaErrorMap = map[byte]string{
	'@': "none",
	'A': "paper_empty",
	'B': "ribbon_empty",
	'C': "paper_and_ribbon_empty",
	'D': "takeup_reel_full",
	'`': "head_open",
}

// NewTransport builds the transport selected by cfg.Transport.
func NewTransport(cfg config.PrinterConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport {
	case config.TransportDevice:
		return NewDeviceTransport(cfg.DevicePath, logger), nil
	case config.TransportTCP:
		return NewTCPTransport(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown printer transport %q", cfg.Transport)
	}
}

// DeviceTransport writes programs to a directly attached printer's device
// node, e.g. /dev/usb/lp0.
type DeviceTransport struct {
	path   string
	logger *slog.Logger
}

func NewDeviceTransport(path string, logger *slog.Logger) *DeviceTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceTransport{
		path:   path,
		logger: logger.With("component", "transport", "device", path),
	}
}

func (t *DeviceTransport) Print(ctx context.Context, a *Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.OpenFile(t.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: no device at %s", ErrPrinterOffline, t.path)
		}
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	_, werr := f.Write(a.Data)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("write to %s: %w", t.path, werr)
	}
	if cerr != nil {
		return fmt.Errorf("close %s: %w", t.path, cerr)
	}

	t.logger.Debug("label sent", "code", a.Identity.Code, "bytes", len(a.Data))
	return nil
}

// CheckStatus only verifies the device node is present and writable;
// USB printer class devices do not reliably answer status queries.
func (t *DeviceTransport) CheckStatus(ctx context.Context) *PrinterStatus {
	status := &PrinterStatus{
		Transport:   config.TransportDevice,
		Target:      t.path,
		LastChecked: time.Now(),
	}

	fi, err := os.Stat(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			status.Diagnostic = fmt.Sprintf("no printer device at %s", t.path)
		} else {
			status.Diagnostic = err.Error()
		}
		return status
	}

	if fi.IsDir() {
		status.Diagnostic = fmt.Sprintf("%s is a directory", t.path)
		return status
	}

	f, err := os.OpenFile(t.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		status.Diagnostic = fmt.Sprintf("device not writable: %v", err)
		return status
	}
	_ = f.Close()

	status.IsOnline = true
	status.Ready = true
	return status
}

// TCPTransport talks raw TSPL2 to a network printer, usually on port 9100.
// The connection is kept open between labels and re-dialed once on failure.
type TCPTransport struct {
	address  string
	timeout  time.Duration
	precheck bool
	logger   *slog.Logger
	dial     func(ctx context.Context, network, address string) (net.Conn, error)

	mu   sync.Mutex
	conn net.Conn
}

func NewTCPTransport(cfg config.PrinterConfig, logger *slog.Logger) *TCPTransport {
	if logger == nil {
		logger = slog.Default()
	}

	address := cfg.Address
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, defaultTCPPort)
	}

	timeout := cfg.ConnectionTimeout
	if timeout == 0 {
		timeout = defaultReadWriteTimeout
	}

	d := &net.Dialer{Timeout: timeout}

	return &TCPTransport{
		address:  address,
		timeout:  timeout,
		precheck: cfg.Precheck,
		logger:   logger.With("component", "transport", "address", address),
		dial:     d.DialContext,
	}
}

func (t *TCPTransport) connect(ctx context.Context) (net.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}

	conn, err := t.dial(ctx, "tcp", t.address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	t.conn = conn
	return conn, nil
}

func (t *TCPTransport) disconnect() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

func (t *TCPTransport) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnect()
	return nil
}

func (t *TCPTransport) CheckStatus(ctx context.Context) *PrinterStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	status, _ := t.checkStatus(ctx)
	return status
}

func (t *TCPTransport) checkStatus(ctx context.Context) (*PrinterStatus, error) {
	status := &PrinterStatus{
		Transport:   config.TransportTCP,
		Target:      t.address,
		LastChecked: time.Now(),
	}

	response, err := t.query(ctx)
	if err != nil {
		t.disconnect()
		// one reconnect, the printer may have dropped an idle connection
		response, err = t.query(ctx)
	}
	if err != nil {
		t.disconnect()
		status.Diagnostic = err.Error()
		return status, err
	}

	parseStatus(status, response)
	status.IsOnline = true
	status.Ready = status.PrinterState == "normal" || status.PrinterState == "standby" || status.PrinterState == "idle"
	if status.Ready && (status.Error != "none" || status.MediaError != "none") {
		status.Ready = false
	}
	if !status.Ready {
		status.Diagnostic = determineStatusString(status)
	}

	return status, nil
}

func (t *TCPTransport) query(ctx context.Context) ([]byte, error) {
	conn, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(t.deadline(ctx))

	if _, err := conn.Write([]byte(statusCommand)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	response := make([]byte, statusResponseLength)
	if _, err := io.ReadFull(conn, response); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStatus, err)
	}

	return response, nil
}

func parseStatus(status *PrinterStatus, response []byte) {
	status.RawStatus = [4]byte{response[0], response[1], response[2], response[3]}

	if state, ok := printerStateMap[response[0]]; ok {
		status.PrinterState = state
	} else {
		status.PrinterState = "unknown"
	}

	if warning, ok := warningMap[response[1]]; ok {
		status.Warning = warning
	} else {
		status.Warning = "unknown"
	}

	if err, ok := errorMap[response[2]]; ok {
		status.Error = err
	} else {
		status.Error = "unknown"
	}

	if mediaErr, ok := mediaErrorMap[response[3]]; ok {
		status.MediaError = mediaErr
	} else {
		status.MediaError = "unknown"
	}
}

func determineStatusString(status *PrinterStatus) string {
	if !status.IsOnline {
		return "offline"
	}

	if status.PrinterState == "error" || status.Error != "none" {
		return "error: " + status.Error
	}

	if status.PrinterState == "paused" {
		return "paused"
	}

	if status.MediaError != "none" {
		return "media error: " + status.MediaError
	}

	if status.PrinterState == "feeding" {
		return "busy"
	}

	return status.PrinterState
}

func (t *TCPTransport) Print(ctx context.Context, a *Artifact) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.precheck {
		status, err := t.checkStatus(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPrinterOffline, err)
		}
		if !status.Ready {
			return fmt.Errorf("%w: %s", ErrPrinterCannotPrint, status.Diagnostic)
		}
	}

	n, err := t.send(ctx, a.Data)
	if err != nil && n == 0 {
		// nothing reached the printer, safe to redial once
		t.disconnect()
		_, err = t.send(ctx, a.Data)
	}
	if err != nil {
		t.disconnect()
		return err
	}

	t.logger.Debug("label sent", "code", a.Identity.Code, "bytes", len(a.Data))
	return nil
}

func (t *TCPTransport) send(ctx context.Context, data []byte) (int, error) {
	conn, err := t.connect(ctx)
	if err != nil {
		return 0, err
	}

	_ = conn.SetDeadline(t.deadline(ctx))

	n, err := conn.Write(data)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return n, nil
}
