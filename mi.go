// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Management Interface command set: NVMe-MI data structure reads, health
// status polls and management configuration.

package nvmemi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	miReqHdrLen = 16
	miRspHdrLen = 8

	miOpReadData         = 0x00
	miOpSubsysHealthPoll = 0x01
	miOpCtrlHealthPoll   = 0x02
	miOpConfigSet        = 0x03
	miOpConfigGet        = 0x04
)

// Read NVMe-MI Data Structure data types (dword 0 bits 31:24).
const (
	miDataSubsysInfo = 0x00
	miDataPortInfo   = 0x01
	miDataCtrlList   = 0x02
	miDataCtrlInfo   = 0x03
)

// ControllerListMax is the maximum number of identifiers a controller list
// data structure can carry.
const ControllerListMax = 2047

// miDataStructLen is the size of the fixed MI data structures (subsystem,
// port and controller information).
const miDataStructLen = 32

// buildMIRequest allocates a slot-0 MI request frame for the given opcode.
func buildMIRequest(opcode uint8, cdw0, cdw1 uint32) *Request {
	hdr := make([]byte, miReqHdrLen)
	hdr[0] = MsgTypeNVMe
	hdr[1] = classMI << nmpClassShift
	hdr[4] = opcode
	binary.LittleEndian.PutUint32(hdr[8:], cdw0)
	binary.LittleEndian.PutUint32(hdr[12:], cdw1)

	return &Request{Header: hdr}
}

// submitMI runs one MI exchange, returning the response payload, the 24-bit
// management response field, or the device status as a StatusError.
func (ep *Endpoint) submitMI(req *Request, respBuf []byte) ([]byte, uint32, error) {
	rsp := &Response{
		Header:  make([]byte, miRspHdrLen),
		Payload: respBuf,
	}

	if err := ep.Submit(req, rsp); err != nil {
		return nil, 0, err
	}
	if len(rsp.Header) < miRspHdrLen {
		return nil, 0, fmt.Errorf("%w: MI response header too short (%d bytes)",
			ErrProtocol, len(rsp.Header))
	}
	if status := rsp.Header[4]; status != 0 {
		return nil, 0, &StatusError{Status: status}
	}

	nmresp := uint32(rsp.Header[5]) | uint32(rsp.Header[6])<<8 | uint32(rsp.Header[7])<<16
	return rsp.Payload, nmresp, nil
}

func (ep *Endpoint) readMIData(cdw0 uint32, respBuf []byte) ([]byte, error) {
	data, _, err := ep.submitMI(buildMIRequest(miOpReadData, cdw0, 0), respBuf)
	return data, err
}

// readMIDataFixed reads one of the fixed-size MI data structures; a reply of
// any other size is a protocol error.
func (ep *Endpoint) readMIDataFixed(cdw0 uint32, out interface{}) error {
	data, err := ep.readMIData(cdw0, make([]byte, miDataStructLen))
	if err != nil {
		return err
	}
	if len(data) != miDataStructLen {
		return fmt.Errorf("%w: expected %d byte data structure, got %d",
			ErrProtocol, miDataStructLen, len(data))
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, out)
}

// SubsystemInfo is the NVM subsystem information data structure.
type SubsystemInfo struct {
	NumPorts     uint8 // number of ports, zeroes based
	MajorVersion uint8
	MinorVersion uint8
	Rsvd3        [29]byte
}

// ReadSubsystemInfo reads the NVM subsystem information data structure.
func (ep *Endpoint) ReadSubsystemInfo() (*SubsystemInfo, error) {
	var info SubsystemInfo
	cdw0 := uint32(miDataSubsysInfo) << 24
	if err := ep.readMIDataFixed(cdw0, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PortInfo is the port information data structure.
type PortInfo struct {
	PortType        uint8
	Rsvd1           uint8
	MaxMCTPUnitSize uint16 // maximum MCTP transmission unit size
	MEBSize         uint32 // management endpoint buffer size, in 4 KiB units
	Rsvd8           [24]byte
}

// ReadPortInfo reads the port information data structure for one port.
func (ep *Endpoint) ReadPortInfo(portID uint8) (*PortInfo, error) {
	var info PortInfo
	cdw0 := uint32(miDataPortInfo)<<24 | uint32(portID)<<16
	if err := ep.readMIDataFixed(cdw0, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ControllerInfo is the controller information data structure.
type ControllerInfo struct {
	PortID         uint8
	Rsvd1          [4]byte
	PRII           uint8 // PCIe routing ID information valid
	PRI            uint16
	VendorID       uint16
	DeviceID       uint16
	SubsysVendorID uint16
	SubsysDeviceID uint16
	Rsvd16         [16]byte
}

// ReadControllerInfo reads the controller information data structure for one
// controller. The controller ID occupies the low 16 bits of dword 0 in host
// order; only the dword as a whole is serialized little-endian.
func (ep *Endpoint) ReadControllerInfo(ctrlID uint16) (*ControllerInfo, error) {
	var info ControllerInfo
	cdw0 := uint32(miDataCtrlInfo)<<24 | uint32(ctrlID)
	if err := ep.readMIDataFixed(cdw0, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ReadControllerList reads the controller list data structure, starting at
// the given controller ID. The returned identifiers are in device order;
// zero entries are preserved.
func (ep *Endpoint) ReadControllerList(startID uint16) ([]uint16, error) {
	cdw0 := uint32(miDataCtrlList)<<24 | uint32(startID)
	data, err := ep.readMIData(cdw0, make([]byte, 2+2*ControllerListMax))
	if err != nil {
		return nil, err
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: controller list too short (%d bytes)",
			ErrProtocol, len(data))
	}

	count := int(binary.LittleEndian.Uint16(data[0:2]))
	if count > ControllerListMax {
		return nil, fmt.Errorf("%w: controller list count %d exceeds maximum %d",
			ErrProtocol, count, ControllerListMax)
	}
	if len(data) < 2+2*count {
		return nil, fmt.Errorf("%w: controller list truncated (%d entries, %d bytes)",
			ErrProtocol, count, len(data))
	}

	ids := make([]uint16, count)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint16(data[2+2*i:])
	}
	return ids, nil
}

// SubsystemHealth is the NVM subsystem health status data structure.
type SubsystemHealth struct {
	NSS           uint8 // subsystem status flags
	SmartWarnings uint8 // SMART / health critical warning bits, inverted
	CompositeTemp uint8 // two's complement, degrees Celsius
	DriveLifeUsed uint8 // percentage of device life used
	CCS           uint16
	Rsvd6         [26]byte
}

// CompositeTempCelsius converts the composite temperature field to degrees
// Celsius.
func (h *SubsystemHealth) CompositeTempCelsius() int {
	return int(int8(h.CompositeTemp))
}

// SubsystemHealthPoll reads the NVM subsystem health status. If clear is
// set, the device resets its composite controller status after reporting.
func (ep *Endpoint) SubsystemHealthPoll(clear bool) (*SubsystemHealth, error) {
	var cdw1 uint32
	if clear {
		cdw1 = 1 << 31
	}

	data, _, err := ep.submitMI(buildMIRequest(miOpSubsysHealthPoll, 0, cdw1),
		make([]byte, miDataStructLen))
	if err != nil {
		return nil, err
	}
	if len(data) != miDataStructLen {
		return nil, fmt.Errorf("%w: expected %d byte health structure, got %d",
			ErrProtocol, miDataStructLen, len(data))
	}

	var health SubsystemHealth
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// ControllerHealth is one controller health status descriptor.
type ControllerHealth struct {
	CtrlID        uint16
	CSTS          uint16
	CompositeTemp uint16
	DriveLifeUsed uint8
	SpareCap      uint8
}

// ControllerHealthPoll reads controller health status descriptors. The two
// dwords select and filter controllers as defined by the Controller Health
// Status Poll command; the response is parsed as a sequence of 8-byte
// descriptors.
func (ep *Endpoint) ControllerHealthPoll(dw0, dw1 uint32) ([]ControllerHealth, error) {
	data, _, err := ep.submitMI(buildMIRequest(miOpCtrlHealthPoll, dw0, dw1),
		make([]byte, AdminMaxXferSize))
	if err != nil {
		return nil, err
	}
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("%w: controller health data not descriptor aligned (%d bytes)",
			ErrProtocol, len(data))
	}

	descs := make([]ControllerHealth, len(data)/8)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, descs); err != nil {
		return nil, err
	}
	return descs, nil
}

// ConfigGet reads a management configuration value. The two dwords select
// the configuration identifier and its parameters; the result is the 24-bit
// management response field.
func (ep *Endpoint) ConfigGet(dw0, dw1 uint32) (uint32, error) {
	_, nmresp, err := ep.submitMI(buildMIRequest(miOpConfigGet, dw0, dw1), nil)
	return nmresp, err
}

// ConfigSet writes a management configuration value.
func (ep *Endpoint) ConfigSet(dw0, dw1 uint32) error {
	_, _, err := ep.submitMI(buildMIRequest(miOpConfigSet, dw0, dw1), nil)
	return err
}
