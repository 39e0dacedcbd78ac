// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Error values returned by the library.

package nvmemi

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArg indicates that a precondition on sizes, offsets, alignment or
	// transfer direction was violated. No I/O has been performed.
	ErrInvalidArg = errors.New("invalid argument")

	// ErrTimeout indicates that no response datagram arrived within the endpoint's
	// per-request timeout.
	ErrTimeout = errors.New("timed out waiting for response")

	// ErrProtocol indicates a syntactically invalid response (bad length or
	// alignment, wrong message type, request/response bit not set, or an
	// unexpected size for a fixed-size data structure).
	ErrProtocol = errors.New("malformed response")

	// ErrMICMismatch indicates that the response failed its message integrity
	// check. The endpoint remains usable for subsequent commands.
	ErrMICMismatch = errors.New("message integrity check mismatch")

	// ErrSlotMismatch indicates that the response's command slot does not match
	// the slot the request was issued on.
	ErrSlotMismatch = errors.New("command slot mismatch")

	// ErrEndpointClosed indicates a submission on a closed endpoint.
	ErrEndpointClosed = errors.New("endpoint closed")
)

// StatusError reports a non-zero NVMe-MI response status. The transport
// exchange itself succeeded; the status byte is the device's verdict on the
// command, preserved verbatim.
type StatusError struct {
	Status uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command failed with NVMe-MI status %#02x", e.Status)
}

// ResponseStatus extracts the device status byte from an error returned by a
// command method. The second return value reports whether err carries one.
func ResponseStatus(err error) (uint8, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}
