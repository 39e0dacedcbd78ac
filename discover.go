// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Endpoint discovery adaptor.

package nvmemi

import (
	"errors"
	"fmt"
)

// MCTPEndpointRecord is one MCTP endpoint as enumerated by an external
// discovery agent (the mctpd D-Bus service on the reference system). EID and
// NetworkID are nil when the agent did not provide the property.
type MCTPEndpointRecord struct {
	EID                   *uint8
	NetworkID             *int32
	SupportedMessageTypes []uint8
}

// supportsNVMe reports whether the record advertises the NVMe-MI message
// type.
func (rec *MCTPEndpointRecord) supportsNVMe() bool {
	for _, t := range rec.SupportedMessageTypes {
		if t == MsgTypeNVMe {
			return true
		}
	}
	return false
}

// findMCTPEndpoint returns the root's endpoint for (network, eid), if any.
func (r *Root) findMCTPEndpoint(network uint32, eid uint8) *Endpoint {
	for _, ep := range r.endpoints {
		if t, ok := ep.transport.(*mctpTransport); ok && t.network == network && t.eid == eid {
			return ep
		}
	}
	return nil
}

// AddMCTPEndpoints creates one endpoint per NVMe-MI-capable record,
// deduplicated by (network, eid). Records without the NVMe-MI message type
// are skipped silently. A record that advertises NVMe-MI but lacks its EID
// or network ID yields an error for that record only; the remaining records
// are still processed, and the per-record errors are joined into the
// returned error. The newly created endpoints are returned in record order.
func (r *Root) AddMCTPEndpoints(records []MCTPEndpointRecord) ([]*Endpoint, error) {
	var (
		added []*Endpoint
		errs  []error
	)

	for i := range records {
		rec := &records[i]
		if !rec.supportsNVMe() {
			continue
		}
		if rec.EID == nil || rec.NetworkID == nil {
			errs = append(errs, fmt.Errorf("record %d: %w: missing EID or network ID",
				i, ErrInvalidArg))
			continue
		}

		network, eid := uint32(*rec.NetworkID), *rec.EID
		if r.findMCTPEndpoint(network, eid) != nil {
			continue
		}

		ep, err := r.OpenMCTP(network, eid)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d (net %d eid %d): %w", i, network, eid, err))
			continue
		}
		added = append(added, ep)
	}

	return added, errors.Join(errs...)
}
