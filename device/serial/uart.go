// Package serial provides a driver for the 16550-compatible UART present on
// every PC. The kernel attaches it as the output sink for its diagnostic
// messages.
package serial

import (
	"io"

	"ferros/device"
	"ferros/kernel"
	"ferros/kernel/cpu"
)

const (
	// com1Port is the base I/O port of the first serial port.
	com1Port = uint16(0x3f8)

	// Register offsets relative to the base port. The data and divisor
	// registers share offsets; the divisor latch bit in the line control
	// register selects between them.
	dataReg        = 0
	intEnableReg   = 1
	divisorLowReg  = 0
	divisorHighReg = 1
	fifoCtrlReg    = 2
	lineCtrlReg    = 3
	modemCtrlReg   = 4
	lineStatusReg  = 5

	// lsrTransmitEmpty signals that the transmitter holding register can
	// accept another byte.
	lsrTransmitEmpty = uint8(1 << 5)
)

var (
	// The following functions are used by tests to mock port I/O which
	// would fault if executed in user-mode.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	errLoopbackFailed = &kernel.Error{Module: "serial", Message: "UART loopback test failed"}
)

// Uart drives a 16550-compatible serial port in polled mode. It implements
// io.Writer so it can be attached as the kfmt output sink.
type Uart struct {
	port uint16
}

// DriverName returns the name of this driver.
func (u *Uart) DriverName() string {
	return "16550A UART"
}

// DriverVersion returns the version of this driver.
func (u *Uart) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit programs the UART for 38400 baud, 8 data bits, no parity, one
// stop bit and verifies the chip with a loopback self-test. UART interrupts
// stay masked; the driver transmits in polled mode.
func (u *Uart) DriverInit(_ io.Writer) *kernel.Error {
	u.writeReg(intEnableReg, 0)
	u.writeReg(lineCtrlReg, 0x80) // expose the divisor latch
	u.writeReg(divisorLowReg, 3)  // 115200 / 3 = 38400 baud
	u.writeReg(divisorHighReg, 0)
	u.writeReg(lineCtrlReg, 0x03) // 8n1, divisor latch hidden again
	u.writeReg(fifoCtrlReg, 0xc7) // enable and reset the FIFOs

	// Transmit a byte in loopback mode to verify the chip is present
	u.writeReg(modemCtrlReg, 0x1e)
	u.writeReg(dataReg, 0xae)
	if u.readReg(dataReg) != 0xae {
		return errLoopbackFailed
	}

	u.writeReg(modemCtrlReg, 0x0f)
	return nil
}

// Write implements io.Writer, transmitting p one byte at a time. It spins
// until the transmitter holding register drains; the write itself cannot
// fail.
func (u *Uart) Write(p []byte) (int, error) {
	for _, b := range p {
		for u.readReg(lineStatusReg)&lsrTransmitEmpty == 0 {
		}
		u.writeReg(dataReg, b)
	}

	return len(p), nil
}

func (u *Uart) writeReg(reg uint16, val uint8) {
	portWriteByteFn(u.port+reg, val)
}

func (u *Uart) readReg(reg uint16) uint8 {
	return portReadByteFn(u.port + reg)
}

func probeForCOM1() device.Driver {
	return &Uart{port: com1Port}
}

// HWProbes returns a slice of device.ProbeFn that can be used to probe for
// serial port hardware.
func HWProbes() []device.ProbeFn {
	return []device.ProbeFn{
		probeForCOM1,
	}
}
