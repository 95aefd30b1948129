package storage

import "hash/crc64"

var crc64Table = crc64.MakeTable(crc64.ISO)

// crc64Checksum computes the rolling checksum used for the header page
// and for full-page checksums (§3: "Checksum covers the rest of the
// page and is recomputed on every write"). The WAL frame checksum in
// wal.go uses crc32 instead, matching spec.md §4.2's 3-byte field; the
// two checksums are independent on purpose — a page and a WAL frame
// never share a verification path.
func crc64Checksum(b []byte) uint64 {
	return crc64.Checksum(b, crc64Table)
}
