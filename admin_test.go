// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvmemi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(handler func(req *Request, rsp *Response) error) (*Controller, *testTransport) {
	tr := &testTransport{mic: true, handler: handler}
	ep := quietRoot().NewEndpoint(tr)
	return ep.Controller(5), tr
}

func adminCDW(hdr []byte, n int) uint32 {
	var off int
	switch {
	case n >= 1 && n <= 5:
		off = admOffCDW1 + 4*(n-1)
	case n >= 10 && n <= 15:
		off = admOffCDW10 + 4*(n-10)
	}
	return binary.LittleEndian.Uint32(hdr[off:])
}

func TestAdminRequestHeader(t *testing.T) {
	assert := assert.New(t)

	var got []byte
	ctrl, _ := newTestController(func(req *Request, rsp *Response) error {
		got = append([]byte{}, req.Header...)
		fillAdminResponse(rsp, 0, 0, make([]byte, 512))
		return nil
	})

	_, _, err := ctrl.GetLogPage(&GetLogPageArgs{Data: make([]byte, 512), LID: LogPageSMART})
	require.NoError(t, err)

	require.Len(t, got, adminReqHdrLen)
	assert.Equal(byte(MsgTypeNVMe), got[0])
	assert.Equal(byte(classAdmin<<nmpClassShift), got[1])
	assert.Equal(byte(AdminOpGetLogPage), got[admOffOpcode])
	assert.Equal(uint16(5), binary.LittleEndian.Uint16(got[admOffCtrlID:]))
	assert.Equal(uint32(512), binary.LittleEndian.Uint32(got[admOffDLEN:]))
	assert.Equal(byte(adminFlagDLENValid), got[admOffFlags])
}

func TestGetLogPageSegmented(t *testing.T) {
	// An 8 KiB transfer takes two 4 KiB windows. Every window except the
	// last forces the retain-asynchronous-event bit.
	assert := assert.New(t)

	var cdw10s, cdw12s []uint32
	ctrl, tr := newTestController(func(req *Request, rsp *Response) error {
		cdw10s = append(cdw10s, adminCDW(req.Header, 10))
		cdw12s = append(cdw12s, adminCDW(req.Header, 12))

		chunk := binary.LittleEndian.Uint32(req.Header[admOffDLEN:])
		data := make([]byte, chunk)
		for i := range data {
			data[i] = byte(len(cdw10s))
		}
		fillAdminResponse(rsp, 0, 0, data)
		return nil
	})

	buf := make([]byte, 8192)
	n, _, err := ctrl.GetLogPage(&GetLogPageArgs{Data: buf, LID: 0x05, NSID: 0xffffffff})
	require.NoError(t, err)
	assert.Equal(8192, n)
	assert.Equal(2, tr.submits)

	// First window forces RAE; final window carries the caller's setting
	assert.NotZero(cdw10s[0] & (1 << 15))
	assert.Zero(cdw10s[1] & (1 << 15))

	// ndw covers 4096 bytes in both windows
	ndw := uint32(4096/4 - 1)
	assert.Equal(ndw, cdw10s[0]>>16)
	assert.Equal(ndw, cdw10s[1]>>16)

	// In-log offsets advance by the window size
	assert.Equal([]uint32{0, 4096}, cdw12s)

	// Both windows landed in the caller's buffer
	assert.Equal(byte(1), buf[0])
	assert.Equal(byte(1), buf[4095])
	assert.Equal(byte(2), buf[4096])
	assert.Equal(byte(2), buf[8191])
}

func TestGetLogPageRAERetained(t *testing.T) {
	var cdw10s []uint32
	ctrl, _ := newTestController(func(req *Request, rsp *Response) error {
		cdw10s = append(cdw10s, adminCDW(req.Header, 10))
		chunk := binary.LittleEndian.Uint32(req.Header[admOffDLEN:])
		fillAdminResponse(rsp, 0, 0, make([]byte, chunk))
		return nil
	})

	_, _, err := ctrl.GetLogPage(&GetLogPageArgs{Data: make([]byte, 8192), LID: 0x05, RAE: true})
	require.NoError(t, err)

	// With RAE requested, the final window keeps the bit set too
	assert.NotZero(t, cdw10s[0]&(1<<15))
	assert.NotZero(t, cdw10s[1]&(1<<15))
}

func TestGetLogPageShortReply(t *testing.T) {
	// The second window returns only 2 KiB; the transfer ends without error
	// and reports the bytes actually obtained.
	call := 0
	ctrl, tr := newTestController(func(req *Request, rsp *Response) error {
		call++
		size := 4096
		if call == 2 {
			size = 2048
		}
		fillAdminResponse(rsp, 0, 0, make([]byte, size))
		return nil
	})

	n, _, err := ctrl.GetLogPage(&GetLogPageArgs{Data: make([]byte, 8192), LID: 0x05})
	require.NoError(t, err)
	assert.Equal(t, 6144, n)
	assert.Equal(t, 2, tr.submits)
}

func TestGetLogPageResult(t *testing.T) {
	// The completion dword 0 reported to the caller is the final window's.
	call := 0
	ctrl, _ := newTestController(func(req *Request, rsp *Response) error {
		call++
		chunk := binary.LittleEndian.Uint32(req.Header[admOffDLEN:])
		fillAdminResponse(rsp, 0, uint32(call), make([]byte, chunk))
		return nil
	})

	n, cdw0, err := ctrl.GetLogPage(&GetLogPageArgs{Data: make([]byte, 8192), LID: 0x05})
	require.NoError(t, err)
	assert.Equal(t, 8192, n)
	assert.Equal(t, uint32(2), cdw0)
}

func TestGetLogPageOffset(t *testing.T) {
	var cdw12, cdw13 uint32
	ctrl, _ := newTestController(func(req *Request, rsp *Response) error {
		cdw12 = adminCDW(req.Header, 12)
		cdw13 = adminCDW(req.Header, 13)
		fillAdminResponse(rsp, 0, 0, make([]byte, 512))
		return nil
	})

	_, _, err := ctrl.GetLogPage(&GetLogPageArgs{
		Data: make([]byte, 512),
		LID:  0x05,
		LPO:  0x1_0000_0200,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x200), cdw12)
	assert.Equal(t, uint32(0x1), cdw13)
}

func TestGetLogPageInvalidBuffer(t *testing.T) {
	ctrl, tr := newTestController(func(req *Request, rsp *Response) error { return nil })

	_, _, err := ctrl.GetLogPage(&GetLogPageArgs{Data: nil, LID: 0x05})
	assert.ErrorIs(t, err, ErrInvalidArg)

	_, _, err = ctrl.GetLogPage(&GetLogPageArgs{Data: make([]byte, 6), LID: 0x05})
	assert.ErrorIs(t, err, ErrInvalidArg)

	assert.Zero(t, tr.submits)
}

func TestIdentifyAllOrNothing(t *testing.T) {
	ctrl, _ := newTestController(func(req *Request, rsp *Response) error {
		fillAdminResponse(rsp, 0, 0, make([]byte, 100))
		return nil
	})

	_, err := ctrl.Identify(&IdentifyArgs{Data: make([]byte, 512), CNS: cnsController})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestIdentifyOffsetFlags(t *testing.T) {
	assert := assert.New(t)

	var got []byte
	ctrl, _ := newTestController(func(req *Request, rsp *Response) error {
		got = append([]byte{}, req.Header...)
		fillAdminResponse(rsp, 0, 0, make([]byte, 16))
		return nil
	})

	_, err := ctrl.Identify(&IdentifyArgs{
		Data:   make([]byte, 16),
		Offset: 64,
		NSID:   1,
		CNS:    cnsNamespace,
		CtrlID: 0x1234,
	})
	require.NoError(t, err)

	assert.Equal(byte(adminFlagDLENValid|adminFlagDOFFValid), got[admOffFlags])
	assert.Equal(uint32(64), binary.LittleEndian.Uint32(got[admOffDOFF:]))
	assert.Equal(uint32(16), binary.LittleEndian.Uint32(got[admOffDLEN:]))
	assert.Equal(uint32(1), adminCDW(got, 1))
	assert.Equal(uint32(cnsNamespace)|0x1234<<16, adminCDW(got, 10))
}

func TestIdentifyInvalidArgs(t *testing.T) {
	ctrl, tr := newTestController(func(req *Request, rsp *Response) error { return nil })

	_, err := ctrl.Identify(&IdentifyArgs{Data: nil})
	assert.ErrorIs(t, err, ErrInvalidArg)

	_, err = ctrl.Identify(&IdentifyArgs{Data: make([]byte, 16), Offset: 2})
	assert.ErrorIs(t, err, ErrInvalidArg)

	assert.Zero(t, tr.submits)
}

func TestIdentifyCtrlDecode(t *testing.T) {
	ident := make([]byte, 4096)
	binary.LittleEndian.PutUint16(ident[0:], 0x144d) // vendor ID
	copy(ident[4:24], "S0M3SERIAL          ")
	copy(ident[24:64], "Some NVMe Model")
	binary.LittleEndian.PutUint32(ident[516:], 7) // number of namespaces

	ctrl, _ := newTestController(func(req *Request, rsp *Response) error {
		fillAdminResponse(rsp, 0, 0, ident)
		return nil
	})

	id, err := ctrl.IdentifyCtrl()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x144d), id.VendorID)
	assert.Equal(t, "S0M3SERIAL          ", string(id.SerialNumber[:]))
	assert.Equal(t, uint32(7), id.Nn)
}

func TestSecuritySend(t *testing.T) {
	assert := assert.New(t)

	var got []byte
	var sentPayload []byte
	ctrl, _ := newTestController(func(req *Request, rsp *Response) error {
		got = append([]byte{}, req.Header...)
		sentPayload = append([]byte{}, req.Payload...)
		fillAdminResponse(rsp, 0, 0x1234, nil)
		return nil
	})

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	cdw0, err := ctrl.SecuritySend(0xea, 0x01, 0x02, 0x03, data)
	require.NoError(t, err)

	assert.Equal(uint32(0x1234), cdw0)
	assert.Equal(byte(AdminOpSecuritySend), got[admOffOpcode])
	assert.Equal(uint32(0xea)<<24|uint32(0x02)<<16|uint32(0x01)<<8|uint32(0x03), adminCDW(got, 10))
	assert.Equal(uint32(len(data)), adminCDW(got, 11))
	assert.Equal(data, sentPayload)
}

func TestSecurityReceive(t *testing.T) {
	want := []byte{9, 8, 7, 6}
	ctrl, _ := newTestController(func(req *Request, rsp *Response) error {
		fillAdminResponse(rsp, 0, 0, want)
		return nil
	})

	buf := make([]byte, 16)
	n, _, err := ctrl.SecurityReceive(0xea, 0, 0, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.Equal(t, want, buf[:n])
}

func TestAdminXferRejectsBidirectional(t *testing.T) {
	ctrl, tr := newTestController(func(req *Request, rsp *Response) error { return nil })

	_, _, err := ctrl.AdminXfer(&AdminCommand{Opcode: 0xc0},
		make([]byte, 8), make([]byte, 8), 0)
	assert.ErrorIs(t, err, ErrInvalidArg)
	assert.Zero(t, tr.submits)
}

func TestAdminXferOffsetRules(t *testing.T) {
	ctrl, tr := newTestController(func(req *Request, rsp *Response) error { return nil })

	_, _, err := ctrl.AdminXfer(&AdminCommand{Opcode: 0xc0}, nil, nil, 4)
	assert.ErrorIs(t, err, ErrInvalidArg)

	_, _, err = ctrl.AdminXfer(&AdminCommand{Opcode: 0xc0}, nil, make([]byte, 16), 6)
	assert.ErrorIs(t, err, ErrInvalidArg)

	assert.Zero(t, tr.submits)
}

func TestAdminXferOversize(t *testing.T) {
	ctrl, tr := newTestController(func(req *Request, rsp *Response) error { return nil })

	_, _, err := ctrl.AdminXfer(&AdminCommand{Opcode: 0xc0},
		make([]byte, AdminMaxXferSize+4), nil, 0)
	assert.ErrorIs(t, err, ErrInvalidArg)
	assert.Zero(t, tr.submits)
}

func TestAdminXferResponseOffset(t *testing.T) {
	var got []byte
	ctrl, _ := newTestController(func(req *Request, rsp *Response) error {
		got = append([]byte{}, req.Header...)
		fillAdminResponse(rsp, 0, 0, make([]byte, 16))
		return nil
	})

	n, _, err := ctrl.AdminXfer(&AdminCommand{Opcode: 0xc0, CDW10: 0xf00d},
		nil, make([]byte, 16), 32)
	require.NoError(t, err)

	assert.Equal(t, 16, n)
	assert.Equal(t, byte(adminFlagDLENValid|adminFlagDOFFValid), got[admOffFlags])
	assert.Equal(t, uint32(32), binary.LittleEndian.Uint32(got[admOffDOFF:]))
	assert.Equal(t, uint32(0xf00d), adminCDW(got, 10))
}

func TestAdminDeviceStatus(t *testing.T) {
	ctrl, _ := newTestController(func(req *Request, rsp *Response) error {
		fillAdminResponse(rsp, 0x04, 0, nil)
		return nil
	})

	_, err := ctrl.Identify(&IdentifyArgs{Data: make([]byte, 16), CNS: cnsController})
	require.Error(t, err)

	status, ok := ResponseStatus(err)
	assert.True(t, ok)
	assert.Equal(t, uint8(0x04), status)
}
