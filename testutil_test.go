// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Shared test doubles: an in-memory Transport and a scripted MCTP socket.

package nvmemi

import (
	"encoding/binary"
	"io"
	"log/slog"
)

func quietRoot() *Root {
	return NewRoot(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

// testTransport is an in-memory Transport whose responses are produced by a
// handler function. When mic is set, the response MIC is computed after the
// handler runs, unless corruptMIC forces a bad value.
type testTransport struct {
	mic        bool
	corruptMIC bool
	handler    func(req *Request, rsp *Response) error

	submits int
	closed  bool
}

func (t *testTransport) Name() string     { return "test" }
func (t *testTransport) MICEnabled() bool { return t.mic }
func (t *testTransport) Close() error     { t.closed = true; return nil }

func (t *testTransport) Submit(ep *Endpoint, req *Request, rsp *Response) error {
	t.submits++
	if err := t.handler(req, rsp); err != nil {
		return err
	}
	if t.mic {
		rsp.MIC = calcMIC(rsp.Header, rsp.Payload)
		if t.corruptMIC {
			rsp.MIC ^= 0xdeadbeef
		}
	}
	return nil
}

// fillMIResponse populates rsp as a successful slot-0 MI response carrying
// the given payload, shrinking the response spans accordingly.
func fillMIResponse(rsp *Response, status uint8, nmresp uint32, payload []byte) {
	hdr := rsp.Header[:miRspHdrLen]
	hdr[0] = MsgTypeNVMe
	hdr[1] = nmpROR | classMI<<nmpClassShift
	hdr[2], hdr[3] = 0, 0
	hdr[4] = status
	hdr[5] = uint8(nmresp)
	hdr[6] = uint8(nmresp >> 8)
	hdr[7] = uint8(nmresp >> 16)

	n := copy(rsp.Payload, payload)
	rsp.Header = hdr
	rsp.Payload = rsp.Payload[:n]
}

// fillAdminResponse populates rsp as a successful slot-0 Admin response.
func fillAdminResponse(rsp *Response, status uint8, cdw0 uint32, payload []byte) {
	hdr := rsp.Header[:adminRspHdrLen]
	for i := range hdr {
		hdr[i] = 0
	}
	hdr[0] = MsgTypeNVMe
	hdr[1] = nmpROR | classAdmin<<nmpClassShift
	hdr[4] = status
	binary.LittleEndian.PutUint32(hdr[8:], cdw0)

	n := copy(rsp.Payload, payload)
	rsp.Header = hdr
	rsp.Payload = rsp.Payload[:n]
}

// wireBytes serializes a full message (header, payload, MIC) into the form
// it crosses an MCTP socket in: type byte stripped, MIC appended
// little-endian.
func wireBytes(hdr, payload []byte) []byte {
	mic := calcMIC(hdr, payload)

	msg := make([]byte, 0, len(hdr)+len(payload)+4)
	msg = append(msg, hdr...)
	msg = append(msg, payload...)
	msg = binary.LittleEndian.AppendUint32(msg, mic)
	return msg[1:]
}

// miRespHdr builds an MI response header with the given status.
func miRespHdr(status uint8) []byte {
	hdr := make([]byte, miRspHdrLen)
	hdr[0] = MsgTypeNVMe
	hdr[1] = nmpROR | classMI<<nmpClassShift
	hdr[4] = status
	return hdr
}

// mprWire builds the wire form of a "more processing required" response.
func mprWire(mprt uint16) []byte {
	hdr := make([]byte, mprMsgLen)
	hdr[0] = MsgTypeNVMe
	hdr[1] = nmpROR | classMI<<nmpClassShift
	hdr[4] = respStatusMPR
	binary.LittleEndian.PutUint16(hdr[6:], mprt)
	return wireBytes(hdr, nil)
}

// mockSocketOps is a scripted MCTP peer. Each sendmsg is recorded flattened;
// each successful poll/recvmsg pair consumes the next inbound wire message.
type mockSocketOps struct {
	sent     [][]byte
	sentAddr []sockaddrMCTP

	inbound [][]byte

	pollHist []int
	pollErrs []error

	sendErr     error
	recvErr     error
	allocTagErr error
	dropTagErr  error

	allocs int
	drops  int
	closes int
}

func (m *mockSocketOps) socket() (int, error) { return 3, nil }

func (m *mockSocketOps) sendmsg(fd int, sa *sockaddrMCTP, bufs [][]byte) (int, error) {
	if m.sendErr != nil {
		return 0, m.sendErr
	}

	var flat []byte
	for _, b := range bufs {
		flat = append(flat, b...)
	}
	m.sent = append(m.sent, flat)
	m.sentAddr = append(m.sentAddr, *sa)
	return len(flat), nil
}

func (m *mockSocketOps) recvmsg(fd int, bufs [][]byte, flags int) (int, error) {
	if m.recvErr != nil {
		return 0, m.recvErr
	}
	if len(m.inbound) == 0 {
		return 0, nil
	}

	data := m.inbound[0]
	m.inbound = m.inbound[1:]

	pos := 0
	for _, b := range bufs {
		if pos >= len(data) {
			break
		}
		pos += copy(b, data[pos:])
	}
	return pos, nil
}

func (m *mockSocketOps) poll(fd int, timeout int) (int, error) {
	m.pollHist = append(m.pollHist, timeout)

	if len(m.pollErrs) > 0 {
		err := m.pollErrs[0]
		m.pollErrs = m.pollErrs[1:]
		return 0, err
	}
	if len(m.inbound) == 0 {
		return 0, nil
	}
	return 1, nil
}

func (m *mockSocketOps) allocTag(fd int, peer uint8) (uint8, error) {
	if m.allocTagErr != nil {
		return 0, m.allocTagErr
	}
	m.allocs++
	return mctpTagOwner | 0x01, nil
}

func (m *mockSocketOps) dropTag(fd int, peer uint8, tag uint8) error {
	if m.dropTagErr != nil {
		return m.dropTagErr
	}
	m.drops++
	return nil
}

func (m *mockSocketOps) close(fd int) error {
	m.closes++
	return nil
}
