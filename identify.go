// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Identify command wrappers and data structures.

package nvmemi

import (
	"bytes"
	"encoding/binary"
)

// Identify CNS values covered by the convenience wrappers.
const (
	cnsNamespace    = 0x00
	cnsController   = 0x01
	cnsActiveNsList = 0x02
)

// IdentPowerState is one power state descriptor of the identify controller
// data structure.
type IdentPowerState struct {
	MaxPower        uint16 // Centiwatts
	Rsvd2           uint8
	Flags           uint8
	EntryLat        uint32 // Microseconds
	ExitLat         uint32 // Microseconds
	ReadTput        uint8
	ReadLat         uint8
	WriteTput       uint8
	WriteLat        uint8
	IdlePower       uint16
	IdleScale       uint8
	Rsvd19          uint8
	ActivePower     uint16
	ActiveWorkScale uint8
	Rsvd23          [9]byte
}

// IdentController is the identify controller data structure (CNS 01h).
type IdentController struct {
	VendorID     uint16     // PCI Vendor ID
	Ssvid        uint16     // PCI Subsystem Vendor ID
	SerialNumber [20]byte   // Serial Number
	ModelNumber  [40]byte   // Model Number
	Firmware     [8]byte    // Firmware Revision
	Rab          uint8      // Recommended Arbitration Burst
	IEEE         [3]byte    // IEEE OUI Identifier
	Cmic         uint8      // Controller Multi-Path I/O and Namespace Sharing Capabilities
	Mdts         uint8      // Maximum Data Transfer Size
	Cntlid       uint16     // Controller ID
	Ver          uint32     // Version
	Rtd3r        uint32     // RTD3 Resume Latency
	Rtd3e        uint32     // RTD3 Entry Latency
	Oaes         uint32     // Optional Asynchronous Events Supported
	Rsvd96       [160]byte  // ...
	Oacs         uint16     // Optional Admin Command Support
	Acl          uint8      // Abort Command Limit
	Aerl         uint8      // Asynchronous Event Request Limit
	Frmw         uint8      // Firmware Updates
	Lpa          uint8      // Log Page Attributes
	Elpe         uint8      // Error Log Page Entries
	Npss         uint8      // Number of Power States Support
	Avscc        uint8      // Admin Vendor Specific Command Configuration
	Apsta        uint8      // Autonomous Power State Transition Attributes
	Wctemp       uint16     // Warning Composite Temperature Threshold
	Cctemp       uint16     // Critical Composite Temperature Threshold
	Mtfa         uint16     // Maximum Time for Firmware Activation
	Hmpre        uint32     // Host Memory Buffer Preferred Size
	Hmmin        uint32     // Host Memory Buffer Minimum Size
	Tnvmcap      [16]byte   // Total NVM Capacity
	Unvmcap      [16]byte   // Unallocated NVM Capacity
	Rpmbs        uint32     // Replay Protected Memory Block Support
	Rsvd316      [196]byte  // ...
	Sqes         uint8      // Submission Queue Entry Size
	Cqes         uint8      // Completion Queue Entry Size
	Rsvd514      [2]byte    // ...
	Nn           uint32     // Number of Namespaces
	Oncs         uint16     // Optional NVM Command Support
	Fuses        uint16     // Fused Operation Support
	Fna          uint8      // Format NVM Attributes
	Vwc          uint8      // Volatile Write Cache
	Awun         uint16     // Atomic Write Unit Normal
	Awupf        uint16     // Atomic Write Unit Power Fail
	Nvscc        uint8      // NVM Vendor Specific Command Configuration
	Rsvd531      uint8      // ...
	Acwu         uint16     // Atomic Compare & Write Unit
	Rsvd534      [2]byte    // ...
	Sgls         uint32     // SGL Support
	Rsvd540      [1508]byte // ...
	Psd          [32]IdentPowerState
	Vs           [1024]byte // Vendor Specific
} // 4096 bytes

// IdentifyCtrl reads the identify controller data structure for the
// controller itself.
func (c *Controller) IdentifyCtrl() (*IdentController, error) {
	buf := make([]byte, 4096)
	if _, err := c.Identify(&IdentifyArgs{Data: buf, CNS: cnsController}); err != nil {
		return nil, err
	}

	var ident IdentController
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &ident); err != nil {
		return nil, err
	}
	return &ident, nil
}

// IdentifyActiveNsList reads the active namespace ID list, starting above
// the given namespace ID. Up to 1024 identifiers are returned; the list is
// terminated by the first zero entry.
func (c *Controller) IdentifyActiveNsList(startNSID uint32) ([]uint32, error) {
	buf := make([]byte, 4096)
	args := &IdentifyArgs{Data: buf, CNS: cnsActiveNsList, NSID: startNSID}
	if _, err := c.Identify(args); err != nil {
		return nil, err
	}

	var nsids []uint32
	for off := 0; off < len(buf); off += 4 {
		nsid := binary.LittleEndian.Uint32(buf[off:])
		if nsid == 0 {
			break
		}
		nsids = append(nsids, nsid)
	}
	return nsids, nil
}
