// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Message integrity check (MIC) calculation.

package nvmemi

import "hash/crc32"

// The MIC trailing every NVMe-MI message is a CRC-32C (Castagnoli polynomial,
// reflected, initial value 0xffffffff, final complement) over the message
// header and payload, serialized little-endian on the wire.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// calcMIC computes the message integrity check over a header and payload span.
// Either span may be empty.
func calcMIC(hdr, payload []byte) uint32 {
	return crc32.Update(crc32.Update(0, castagnoli, hdr), castagnoli, payload)
}
