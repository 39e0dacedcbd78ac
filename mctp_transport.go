// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// MCTP transport: one NVMe-MI request/response exchange per AF_MCTP
// datagram pair, with scatter/gather framing, tag lifecycle, poll-based
// timeouts and "more processing required" retries.

package nvmemi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sys/unix"
)

// MCTPDefaultTimeout is the per-request timeout applied to endpoints created
// by Root.OpenMCTP.
const MCTPDefaultTimeout = 5 * time.Second

const (
	// Minimum received message length: common header, status, nmresp, MIC.
	mctpMinRespLen = 12

	// An MPR response is a common header, status byte, reserved byte and a
	// 16-bit wait time, followed by the MIC.
	mprMsgLen = 8

	respStatusMPR = 0x01

	// Maximum wait a device can advertise via mprt (0xffff units of 100 ms),
	// used when neither the device nor the endpoint bounds the wait.
	maxMPRWait = 0xffff * 100 * time.Millisecond
)

type mctpTransport struct {
	network uint32
	eid     uint8
	sd      int
	ops     socketOps
	closed  bool

	// Set once the kernel has refused the tag allocation ioctl; subsequent
	// submissions fall back to the bare tag-owner sentinel.
	noAllocTag    bool
	allocTagNoted bool
}

func newMCTPTransport(ops socketOps, network uint32, eid uint8) (*mctpTransport, error) {
	sd, err := ops.socket()
	if err != nil {
		return nil, fmt.Errorf("opening MCTP socket: %w", err)
	}

	return &mctpTransport{
		network: network,
		eid:     eid,
		sd:      sd,
		ops:     ops,
	}, nil
}

func (t *mctpTransport) Name() string {
	return "mctp"
}

func (t *mctpTransport) MICEnabled() bool {
	return true
}

func (t *mctpTransport) Desc() string {
	return fmt.Sprintf("net %d eid %d", t.network, t.eid)
}

// CheckTimeout rejects timeouts that cannot be expressed as a poll(2)
// millisecond argument.
func (t *mctpTransport) CheckTimeout(timeout time.Duration) error {
	if timeout < 0 || timeout.Milliseconds() > math.MaxInt32 {
		return fmt.Errorf("%w: timeout out of range", ErrInvalidArg)
	}
	return nil
}

func (t *mctpTransport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.ops.close(t.sd)
}

// MCTPAddr identifies an MCTP peer.
type MCTPAddr struct {
	Network uint32
	EID     uint8
}

// MCTPAddr returns the endpoint's MCTP peer address, or nil if the endpoint
// does not use the MCTP transport.
func (ep *Endpoint) MCTPAddr() *MCTPAddr {
	if t, ok := ep.transport.(*mctpTransport); ok {
		return &MCTPAddr{Network: t.network, EID: t.eid}
	}
	return nil
}

// acquireTag obtains an owner-bit tag for one exchange with the peer. The
// returned release function must be invoked on every exit path; for the
// fallback sentinel it is a no-op and may be called any number of times.
func (t *mctpTransport) acquireTag(ep *Endpoint) (uint8, func(), error) {
	if !t.noAllocTag {
		tag, err := t.ops.allocTag(t.sd, t.eid)
		if err == nil {
			release := func() {
				if err := t.ops.dropTag(t.sd, t.eid, tag); err != nil {
					ep.logger().Debug("MCTP tag drop failed", "err", err)
				}
			}
			return tag, release, nil
		}

		if !errors.Is(err, unix.ENOTTY) && !errors.Is(err, unix.EINVAL) {
			return 0, nil, fmt.Errorf("allocating MCTP tag: %w", err)
		}
		t.noAllocTag = true
	}

	// Without kernel tag allocation the reverse tag is not pinned across an
	// MPR wait, so delayed responses may be dropped.
	if !t.allocTagNoted {
		t.allocTagNoted = true
		ep.logger().Info("kernel lacks MCTP tag allocation; MPR responses may be lost")
	}
	return mctpTagOwner, func() {}, nil
}

func (t *mctpTransport) Submit(ep *Endpoint, req *Request, rsp *Response) error {
	tag, releaseTag, err := t.acquireTag(ep)
	if err != nil {
		return err
	}
	defer releaseTag()

	sa := &sockaddrMCTP{
		Family:  unix.AF_MCTP,
		Network: t.network,
		Addr:    t.eid,
		Type:    msgTypeNVMeMIC,
		Tag:     tag,
	}

	// The leading message type byte travels in the MCTP addressing metadata,
	// not the datagram body; send the header from its second byte.
	var txmic [4]byte
	binary.LittleEndian.PutUint32(txmic[:], req.MIC)
	if _, err := t.ops.sendmsg(t.sd, sa, [][]byte{req.Header[1:], req.Payload, txmic[:]}); err != nil {
		return fmt.Errorf("sendmsg: %w", err)
	}

	var rxmic [4]byte
	rxbufs := [][]byte{rsp.Header[1:], rsp.Payload, rxmic[:]}

	timeout := ep.timeout
	for {
		if err := t.waitReadable(timeout); err != nil {
			return err
		}

		n, err := t.ops.recvmsg(t.sd, rxbufs, unix.MSG_DONTWAIT)
		if err != nil {
			return fmt.Errorf("recvmsg: %w", err)
		}

		// Restore the type byte so downstream sees a contiguous header, and
		// account for it in the message length.
		rsp.Header[0] = MsgTypeNVMe
		msgLen := n + 1

		if mprt, ok := mprWaitTime(rxbufs, msgLen); ok {
			timeout = mprTimeout(ep, mprt)
			ep.logger().Debug("more processing required", "wait", timeout)
			continue
		}

		return reconcileResponse(rsp, rxbufs, msgLen)
	}
}

// waitReadable blocks until the socket is readable or the timeout expires.
// A zero timeout waits indefinitely. EINTR restarts the wait against the
// remaining budget.
func (t *mctpTransport) waitReadable(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		ms := -1
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			ms = int(remaining.Milliseconds())
		}

		n, err := t.ops.poll(t.sd, ms)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return ErrTimeout
		}
		return nil
	}
}

// gatherWire copies length received bytes starting at wire offset off out of
// the scatter list. Offsets are in wire coordinates, i.e. excluding the
// message type byte.
func gatherWire(bufs [][]byte, off, length int) []byte {
	out := make([]byte, 0, length)
	pos := 0
	for _, b := range bufs {
		for i := range b {
			if pos >= off+length {
				return out
			}
			if pos >= off {
				out = append(out, b[i])
			}
			pos++
		}
	}
	return out
}

// mprWaitTime inspects a received frame for a "more processing required"
// response: exact MPR length, MPR status code, and a valid MIC over the
// advertised message. It returns the device's wait time in 100 ms units.
// Frames failing any check fall through to normal response handling.
func mprWaitTime(bufs [][]byte, msgLen int) (uint16, bool) {
	if msgLen != mprMsgLen+4 {
		return 0, false
	}

	msg := make([]byte, 0, msgLen)
	msg = append(msg, MsgTypeNVMe)
	msg = append(msg, gatherWire(bufs, 0, msgLen-1)...)

	if msg[4] != respStatusMPR {
		return 0, false
	}
	if calcMIC(msg[:mprMsgLen], nil) != binary.LittleEndian.Uint32(msg[mprMsgLen:]) {
		return 0, false
	}

	return binary.LittleEndian.Uint16(msg[6:8]), true
}

// mprTimeout converts a device-advertised mprt (100 ms units) into the next
// poll budget, falling back to the endpoint timeout and clamping to the
// endpoint's mprt_max.
func mprTimeout(ep *Endpoint, mprt uint16) time.Duration {
	wait := time.Duration(mprt) * 100 * time.Millisecond
	if wait == 0 {
		wait = ep.timeout
		if wait == 0 {
			wait = maxMPRWait
		}
	}
	if ep.mprtMax > 0 && wait > ep.mprtMax {
		wait = ep.mprtMax
	}
	return wait
}

// reconcileResponse aligns the caller's header/payload/MIC spans with the
// received message length. The response may be shorter than the advertised
// header (the MIC then lies within the header buffer), or carry a truncated
// payload; in every case the final four received bytes are the MIC.
func reconcileResponse(rsp *Response, bufs [][]byte, msgLen int) error {
	if msgLen < mctpMinRespLen || msgLen%4 != 0 {
		return fmt.Errorf("%w: unaligned or short message (%d bytes)", ErrProtocol, msgLen)
	}

	hdrLen := len(rsp.Header)
	payLen := len(rsp.Payload)

	switch {
	case msgLen == hdrLen+payLen+4:
		// Exact fit.
	case msgLen < hdrLen+4:
		// Dword alignment of both lengths guarantees the whole message,
		// MIC included, landed in the header buffer.
		hdrLen = msgLen - 4
		payLen = 0
	default:
		payLen = msgLen - hdrLen - 4
	}

	rsp.MIC = binary.LittleEndian.Uint32(gatherWire(bufs, msgLen-1-4, 4))
	rsp.Header = rsp.Header[:hdrLen]
	rsp.Payload = rsp.Payload[:payLen]
	return nil
}
