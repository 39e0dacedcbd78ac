// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Transport abstraction.

package nvmemi

import "time"

// Transport is the capability set a concrete NVMe-MI transport provides. An
// endpoint holds exactly one transport, which exclusively owns whatever
// per-endpoint state (sockets, file descriptors) the exchange needs.
//
// Submit performs one synchronous request/response exchange: it sends req and
// fills rsp, shrinking rsp.Header and rsp.Payload to the received spans and
// recording the received MIC. Submit does not verify the MIC or interpret
// the response header beyond transport-level reassembly; that is the submit
// pipeline's job.
type Transport interface {
	Name() string

	// MICEnabled reports whether frames on this transport carry a message
	// integrity check. When true, the submit pipeline stamps req.MIC before
	// delegating and verifies rsp.MIC afterwards.
	MICEnabled() bool

	Submit(ep *Endpoint, req *Request, rsp *Response) error

	Close() error
}

// TimeoutChecker is implemented by transports that restrict the range of
// acceptable per-request timeouts.
type TimeoutChecker interface {
	CheckTimeout(timeout time.Duration) error
}

// Describer is implemented by transports that can describe their peer
// address for diagnostics.
type Describer interface {
	Desc() string
}
