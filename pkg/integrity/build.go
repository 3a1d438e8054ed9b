package integrity

import "github.com/falk/ncago/pkg/cryptoprim"

// BuildSha256Table hashes data in blockSize chunks and returns the
// resulting hash table alongside the master hash of that table (§4.8
// step 3: "hash each data block, then hash the whole hash table into
// master_hash"). Used by pkg/builder when assembling a PartitionFs
// section fresh (meta-NCA patching) rather than carrying an existing
// table through unchanged.
func BuildSha256Table(data []byte, blockSize int64) (table []byte, master [32]byte) {
	for start := int64(0); start < int64(len(data)); start += blockSize {
		end := start + blockSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		digest := cryptoprim.Sha256(data[start:end])
		table = append(table, digest[:]...)
	}
	master = cryptoprim.Sha256(table)
	return table, master
}
