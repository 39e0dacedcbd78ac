// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Admin command set, tunnelled over NVMe-MI.

package nvmemi

import (
	"encoding/binary"
	"fmt"
)

// AdminMaxXferSize is the Admin payload ceiling per exchange, in either
// direction.
const AdminMaxXferSize = 4096

// Admin opcodes.
const (
	AdminOpGetLogPage   = 0x02
	AdminOpIdentify     = 0x06
	AdminOpSecuritySend = 0x81
	AdminOpSecurityRecv = 0x82
)

// Admin request header layout.
const (
	adminReqHdrLen = 68
	adminRspHdrLen = 20

	admOffOpcode = 4
	admOffFlags  = 5
	admOffCtrlID = 6
	admOffCDW1   = 8  // cdw1..cdw5
	admOffDOFF   = 28 // response data offset
	admOffDLEN   = 32 // data length
	admOffCDW10  = 44 // cdw10..cdw15
)

// Admin request header flags.
const (
	adminFlagDLENValid = 0x01
	adminFlagDOFFValid = 0x02
)

// newAdminHeader allocates a zeroed slot-0 Admin request header addressed to
// the controller.
func (c *Controller) newAdminHeader(opcode uint8) []byte {
	hdr := make([]byte, adminReqHdrLen)
	hdr[0] = MsgTypeNVMe
	hdr[1] = classAdmin << nmpClassShift
	hdr[admOffOpcode] = opcode
	binary.LittleEndian.PutUint16(hdr[admOffCtrlID:], c.id)
	return hdr
}

func putAdminCDW(hdr []byte, n int, v uint32) {
	var off int
	switch {
	case n >= 1 && n <= 5:
		off = admOffCDW1 + 4*(n-1)
	case n >= 10 && n <= 15:
		off = admOffCDW10 + 4*(n-10)
	default:
		panic("bad admin cdw index")
	}
	binary.LittleEndian.PutUint32(hdr[off:], v)
}

// adminSubmit runs one Admin exchange. The payload travels out with the
// request; respBuf receives the response data. The returned slice is the
// span of respBuf the device filled, and cdw0 is the completion queue entry
// dword 0.
func (c *Controller) adminSubmit(hdr, payload, respBuf []byte) ([]byte, uint32, error) {
	if len(payload) > AdminMaxXferSize || len(respBuf) > AdminMaxXferSize {
		return nil, 0, fmt.Errorf("%w: transfer exceeds %d bytes", ErrInvalidArg, AdminMaxXferSize)
	}
	if len(payload) > 0 && len(respBuf) > 0 {
		return nil, 0, fmt.Errorf("%w: bidirectional data transfer", ErrInvalidArg)
	}

	req := &Request{Header: hdr, Payload: payload}
	rsp := &Response{
		Header:  make([]byte, adminRspHdrLen),
		Payload: respBuf,
	}

	if err := c.ep.Submit(req, rsp); err != nil {
		return nil, 0, err
	}
	if len(rsp.Header) < adminRspHdrLen {
		return nil, 0, fmt.Errorf("%w: Admin response header too short (%d bytes)",
			ErrProtocol, len(rsp.Header))
	}
	if status := rsp.Header[4]; status != 0 {
		return nil, 0, &StatusError{Status: status}
	}

	return rsp.Payload, binary.LittleEndian.Uint32(rsp.Header[8:12]), nil
}

// AdminCommand is a raw Admin command for AdminXfer, the escape hatch for
// opcodes without a dedicated wrapper. Dword fields are in host order.
type AdminCommand struct {
	Opcode                       uint8
	CDW1, CDW2, CDW3, CDW4, CDW5 uint32
	CDW10, CDW11, CDW12          uint32
	CDW13, CDW14, CDW15          uint32
}

// AdminXfer issues an arbitrary Admin command. reqData travels with the
// request; respData receives response data starting at respOffset within the
// command's response. Bidirectional data transfers are rejected, and a
// non-zero respOffset requires a response buffer. Returns the number of
// response bytes received and completion dword 0.
func (c *Controller) AdminXfer(cmd *AdminCommand, reqData, respData []byte, respOffset uint32) (int, uint32, error) {
	if len(reqData) > 0 && len(respData) > 0 {
		return 0, 0, fmt.Errorf("%w: bidirectional data transfer", ErrInvalidArg)
	}
	if len(reqData)%4 != 0 {
		return 0, 0, fmt.Errorf("%w: request data not dword aligned", ErrInvalidArg)
	}
	if respOffset != 0 && len(respData) == 0 {
		return 0, 0, fmt.Errorf("%w: response offset without response buffer", ErrInvalidArg)
	}
	if respOffset%4 != 0 {
		return 0, 0, fmt.Errorf("%w: response offset not dword aligned", ErrInvalidArg)
	}

	hdr := c.newAdminHeader(cmd.Opcode)
	putAdminCDW(hdr, 1, cmd.CDW1)
	putAdminCDW(hdr, 2, cmd.CDW2)
	putAdminCDW(hdr, 3, cmd.CDW3)
	putAdminCDW(hdr, 4, cmd.CDW4)
	putAdminCDW(hdr, 5, cmd.CDW5)
	putAdminCDW(hdr, 10, cmd.CDW10)
	putAdminCDW(hdr, 11, cmd.CDW11)
	putAdminCDW(hdr, 12, cmd.CDW12)
	putAdminCDW(hdr, 13, cmd.CDW13)
	putAdminCDW(hdr, 14, cmd.CDW14)
	putAdminCDW(hdr, 15, cmd.CDW15)

	var flags uint8
	switch {
	case len(respData) > 0:
		flags = adminFlagDLENValid
		binary.LittleEndian.PutUint32(hdr[admOffDLEN:], uint32(len(respData)))
		if respOffset != 0 {
			flags |= adminFlagDOFFValid
			binary.LittleEndian.PutUint32(hdr[admOffDOFF:], respOffset)
		}
	case len(reqData) > 0:
		flags = adminFlagDLENValid
		binary.LittleEndian.PutUint32(hdr[admOffDLEN:], uint32(len(reqData)))
	}
	hdr[admOffFlags] = flags

	data, cdw0, err := c.adminSubmit(hdr, reqData, respData)
	if err != nil {
		return 0, 0, err
	}
	return len(data), cdw0, nil
}

// IdentifyArgs describes an Identify command. Data receives the identify
// data structure (or the requested slice of it, when Offset is non-zero).
type IdentifyArgs struct {
	Data          []byte
	Offset        uint32
	NSID          uint32
	CNSSpecificID uint16
	CtrlID        uint16 // CNTID: the controller the data structure refers to
	CNS           uint8
	CSI           uint8
	UUIDIndex     uint8
}

// Identify issues an Identify command. Identify transfers are all or
// nothing: a reply shorter than len(args.Data) is a protocol error. Returns
// completion dword 0.
func (c *Controller) Identify(args *IdentifyArgs) (uint32, error) {
	size := len(args.Data)
	if size == 0 {
		return 0, fmt.Errorf("%w: no identify buffer", ErrInvalidArg)
	}
	if args.Offset%4 != 0 {
		return 0, fmt.Errorf("%w: identify offset not dword aligned", ErrInvalidArg)
	}

	hdr := c.newAdminHeader(AdminOpIdentify)
	putAdminCDW(hdr, 1, args.NSID)
	putAdminCDW(hdr, 10, uint32(args.CNS)|uint32(args.CtrlID)<<16)
	putAdminCDW(hdr, 11, uint32(args.CNSSpecificID)|uint32(args.CSI)<<24)
	putAdminCDW(hdr, 14, uint32(args.UUIDIndex&0x7f))

	flags := uint8(adminFlagDLENValid)
	binary.LittleEndian.PutUint32(hdr[admOffDLEN:], uint32(size))
	if args.Offset != 0 {
		flags |= adminFlagDOFFValid
		binary.LittleEndian.PutUint32(hdr[admOffDOFF:], args.Offset)
	}
	hdr[admOffFlags] = flags

	data, cdw0, err := c.adminSubmit(hdr, nil, args.Data)
	if err != nil {
		return 0, err
	}
	if len(data) != size {
		return 0, fmt.Errorf("%w: short identify reply (%d of %d bytes)",
			ErrProtocol, len(data), size)
	}
	return cdw0, nil
}

// GetLogPageArgs describes a Get Log Page command. Data receives the log
// content; its length is the requested transfer size and must be a non-zero
// multiple of four bytes.
type GetLogPageArgs struct {
	Data      []byte
	LPO       uint64 // offset within the log
	NSID      uint32
	LSI       uint16
	LID       uint8
	LSP       uint8
	CSI       uint8
	UUIDIndex uint8
	RAE       bool // retain asynchronous event
	OT        bool // offset type: index rather than byte offset
}

// GetLogPage reads a log page, segmenting the transfer into 4 KiB windows.
// Every window but the last forces the retain-asynchronous-event bit so the
// device does not clear an event mid-transfer; the final window carries the
// caller's RAE. A short reply ends the transfer without error. Returns the
// number of bytes obtained and the final window's completion dword 0.
func (c *Controller) GetLogPage(args *GetLogPageArgs) (int, uint32, error) {
	total := len(args.Data)
	if total == 0 || total%4 != 0 {
		return 0, 0, fmt.Errorf("%w: log buffer must be a non-zero multiple of 4 bytes", ErrInvalidArg)
	}

	var cdw0 uint32
	for off := 0; off < total; {
		chunk := total - off
		if chunk > AdminMaxXferSize {
			chunk = AdminMaxXferSize
		}
		final := off+chunk >= total

		var got int
		var err error
		got, cdw0, err = c.getLogPageXfer(args, off, chunk, args.RAE || !final)
		if err != nil {
			return off, 0, err
		}

		off += got
		if got < chunk {
			return off, cdw0, nil
		}
	}
	return total, cdw0, nil
}

func (c *Controller) getLogPageXfer(args *GetLogPageArgs, off, chunk int, rae bool) (int, uint32, error) {
	hdr := c.newAdminHeader(AdminOpGetLogPage)

	ndw := uint32(chunk/4 - 1)
	cdw10 := uint32(args.LID) | uint32(args.LSP&0x7f)<<8 | ndw<<16
	if rae {
		cdw10 |= 1 << 15
	}

	offset := args.LPO + uint64(off)

	putAdminCDW(hdr, 1, args.NSID)
	putAdminCDW(hdr, 10, cdw10)
	putAdminCDW(hdr, 11, ndw>>16|uint32(args.LSI)<<16)
	putAdminCDW(hdr, 12, uint32(offset))
	putAdminCDW(hdr, 13, uint32(offset>>32))

	cdw14 := uint32(args.UUIDIndex&0x7f) | uint32(args.CSI)<<24
	if args.OT {
		cdw14 |= 1 << 23
	}
	putAdminCDW(hdr, 14, cdw14)

	hdr[admOffFlags] = adminFlagDLENValid
	binary.LittleEndian.PutUint32(hdr[admOffDLEN:], uint32(chunk))

	data, cdw0, err := c.adminSubmit(hdr, nil, args.Data[off:off+chunk])
	if err != nil {
		return 0, 0, err
	}
	return len(data), cdw0, nil
}

func securityCDW10(secp, spsp0, spsp1, nssf uint8) uint32 {
	return uint32(secp)<<24 | uint32(spsp1)<<16 | uint32(spsp0)<<8 | uint32(nssf)
}

// SecuritySend issues a Security Send command carrying data to the
// controller. Returns completion dword 0.
func (c *Controller) SecuritySend(secp, spsp0, spsp1, nssf uint8, data []byte) (uint32, error) {
	if len(data) > AdminMaxXferSize {
		return 0, fmt.Errorf("%w: security payload exceeds %d bytes", ErrInvalidArg, AdminMaxXferSize)
	}
	if len(data)%4 != 0 {
		return 0, fmt.Errorf("%w: security payload not dword aligned", ErrInvalidArg)
	}

	hdr := c.newAdminHeader(AdminOpSecuritySend)
	putAdminCDW(hdr, 10, securityCDW10(secp, spsp0, spsp1, nssf))
	putAdminCDW(hdr, 11, uint32(len(data)))
	hdr[admOffFlags] = adminFlagDLENValid
	binary.LittleEndian.PutUint32(hdr[admOffDLEN:], uint32(len(data)))

	_, cdw0, err := c.adminSubmit(hdr, data, nil)
	return cdw0, err
}

// SecurityReceive issues a Security Receive command, filling data with the
// controller's reply. Returns the number of bytes received and completion
// dword 0.
func (c *Controller) SecurityReceive(secp, spsp0, spsp1, nssf uint8, data []byte) (int, uint32, error) {
	if len(data) == 0 || len(data) > AdminMaxXferSize {
		return 0, 0, fmt.Errorf("%w: security buffer must be 1..%d bytes", ErrInvalidArg, AdminMaxXferSize)
	}

	hdr := c.newAdminHeader(AdminOpSecurityRecv)
	putAdminCDW(hdr, 10, securityCDW10(secp, spsp0, spsp1, nssf))
	putAdminCDW(hdr, 11, uint32(len(data)))
	hdr[admOffFlags] = adminFlagDLENValid
	binary.LittleEndian.PutUint32(hdr[admOffDLEN:], uint32(len(data)))

	got, cdw0, err := c.adminSubmit(hdr, nil, data)
	if err != nil {
		return 0, 0, err
	}
	return len(got), cdw0, nil
}
