// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Generic submit pipeline, shared by the MI and Admin command layers.

package nvmemi

import "fmt"

// Submit performs one request/response exchange on the endpoint. It
// validates the request framing, stamps the request MIC where the transport
// carries one, delegates to the transport, then verifies the response MIC
// and the response header (message type, request-or-response bit, command
// slot pairing).
//
// rsp.Header and rsp.Payload must be pre-sized to the largest reply the
// caller will accept; on return they hold the received spans, which may be
// shorter.
func (ep *Endpoint) Submit(req *Request, rsp *Response) error {
	if ep.closed {
		return ErrEndpointClosed
	}
	if err := validateRequest(req); err != nil {
		return err
	}
	if rsp == nil || len(rsp.Header) < msgHdrLen {
		return ErrInvalidArg
	}

	if ep.transport.MICEnabled() {
		req.MIC = calcMIC(req.Header, req.Payload)
	}

	if err := ep.transport.Submit(ep, req, rsp); err != nil {
		return err
	}

	if ep.transport.MICEnabled() {
		if mic := calcMIC(rsp.Header, rsp.Payload); mic != rsp.MIC {
			ep.logger().Warn("response MIC mismatch",
				"received", fmt.Sprintf("%#08x", rsp.MIC),
				"calculated", fmt.Sprintf("%#08x", mic))
			return fmt.Errorf("%w: received %#08x, calculated %#08x",
				ErrMICMismatch, rsp.MIC, mic)
		}
	}

	if len(rsp.Header) < msgHdrLen {
		return fmt.Errorf("%w: response header too short (%d bytes)",
			ErrProtocol, len(rsp.Header))
	}
	if rsp.Header[0] != MsgTypeNVMe {
		return fmt.Errorf("%w: unexpected message type %#02x",
			ErrProtocol, rsp.Header[0])
	}

	nmp := rsp.Header[1]
	if !nmpIsResp(nmp) {
		return fmt.Errorf("%w: ROR bit indicates a request", ErrProtocol)
	}
	if nmpSlot(nmp) != nmpSlot(req.Header[1]) {
		return fmt.Errorf("%w: request slot %d, response slot %d",
			ErrSlotMismatch, nmpSlot(req.Header[1]), nmpSlot(nmp))
	}

	return nil
}
