// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// SMART / Health Information log page.

package nvmemi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// LogPageSMART is the log identifier of the SMART / Health Information page.
const LogPageSMART = 0x02

// SMARTLog is the SMART / Health Information log page (LID 02h).
type SMARTLog struct {
	CritWarning      uint8
	Temperature      [2]uint8 // Kelvin
	AvailSpare       uint8
	SpareThresh      uint8
	PercentUsed      uint8
	Rsvd6            [26]byte
	DataUnitsRead    [16]byte
	DataUnitsWritten [16]byte
	HostReads        [16]byte
	HostWrites       [16]byte
	CtrlBusyTime     [16]byte
	PowerCycles      [16]byte
	PowerOnHours     [16]byte
	UnsafeShutdowns  [16]byte
	MediaErrors      [16]byte
	NumErrLogEntries [16]byte
	WarningTempTime  uint32
	CritCompTime     uint32
	TempSensor       [8]uint16
	Rsvd216          [296]byte
} // 512 bytes

// TempCelsius converts the composite temperature field from Kelvin to
// degrees Celsius.
func (l *SMARTLog) TempCelsius() int {
	return int((uint16(l.Temperature[1])<<8)|uint16(l.Temperature[0])) - 273
}

// GetLogSMART reads the controller's SMART / Health Information log page.
func (c *Controller) GetLogSMART() (*SMARTLog, error) {
	buf := make([]byte, 512)
	args := &GetLogPageArgs{Data: buf, LID: LogPageSMART, NSID: 0xffffffff}

	n, _, err := c.GetLogPage(args)
	if err != nil {
		return nil, err
	}
	if n != len(buf) {
		return nil, fmt.Errorf("%w: short SMART log (%d of %d bytes)", ErrProtocol, n, len(buf))
	}

	var log SMARTLog
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &log); err != nil {
		return nil, err
	}
	return &log, nil
}

// Le128ToString formats a little-endian 128-bit counter (supplied as a
// 16-byte slice) as a string.
func Le128ToString(v [16]byte) string {
	lo := binary.LittleEndian.Uint64(v[:8])
	hi := binary.LittleEndian.Uint64(v[8:])

	// Approximate as float64 if the upper half is non-zero
	if hi != 0 {
		return fmt.Sprintf("~%.0f", float64(hi)*0x10000000000000000+float64(lo))
	}
	return fmt.Sprintf("%d", lo)
}
