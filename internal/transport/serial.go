package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const DefaultBaudRate = 115200

var ErrSerialPortRequired = errors.New("transport: serial port required")

// SerialDialer opens a serial device at a fixed baud rate, 8N1.
type SerialDialer struct {
	Port     string
	BaudRate int
}

func NewSerialDialer(port string, baud int) (*SerialDialer, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		return nil, ErrSerialPortRequired
	}
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &SerialDialer{Port: port, BaudRate: baud}, nil
}

func (d *SerialDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(d.Port, mode)
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PortBusy {
			return nil, fmt.Errorf("transport: serial %s busy: %w", d.Port, err)
		}
		return nil, fmt.Errorf("transport: open serial %s: %w", d.Port, err)
	}
	return port, nil
}

func (d *SerialDialer) String() string {
	return fmt.Sprintf("%s@%d", d.Port, d.BaudRate)
}

// PortInfo describes one serial port found on the host.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListPorts enumerates serial ports, with USB details where available.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		out := make([]PortInfo, 0, len(details))
		for _, d := range details {
			out = append(out, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		sortPorts(out)
		return out, nil
	}

	names, listErr := serial.GetPortsList()
	if listErr != nil {
		if err != nil {
			return nil, fmt.Errorf("transport: list ports: %w", errors.Join(err, listErr))
		}
		return nil, fmt.Errorf("transport: list ports: %w", listErr)
	}
	out := make([]PortInfo, 0, len(names))
	for _, name := range names {
		out = append(out, PortInfo{Name: name})
	}
	sortPorts(out)
	return out, nil
}

func sortPorts(ports []PortInfo) {
	sort.Slice(ports, func(i, j int) bool {
		return ports[i].Name < ports[j].Name
	})
}

func (p PortInfo) String() string {
	if !p.IsUSB {
		return p.Name
	}
	desc := fmt.Sprintf("%s usb=%s:%s", p.Name, p.VID, p.PID)
	if p.SerialNumber != "" {
		desc += " serial=" + p.SerialNumber
	}
	if p.Product != "" {
		desc += fmt.Sprintf(" product=%q", p.Product)
	}
	return desc
}
