package serialmux

import "io"

// SerialPorter is the part of a serial port the mux uses. Tests substitute
// TestableSerialPort.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortOpener opens the port at path.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)
