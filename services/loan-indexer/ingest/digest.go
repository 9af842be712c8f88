package ingest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"lukechampine.com/blake3"

	"lienchain/core"
)

// CanonicalDigest hashes the canonical encoding of a feed entry. The sequence
// number stays out of the encoding: the node feed lives in memory and
// renumbers after a restart, while the event content plus its emit timestamp
// identifies the settlement action itself. Two polls that return the same
// entry therefore produce the same digest, which is what makes ingestion
// idempotent.
func CanonicalDigest(entry core.LoanEventEntry) string {
	buf := bytes.NewBuffer(nil)
	appendDelimited(buf, []byte(entry.Type))

	keys := make([]string, 0, len(entry.Attributes))
	for key := range entry.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	appendUint32(buf, uint32(len(keys)))
	for _, key := range keys {
		appendDelimited(buf, []byte(key))
		appendDelimited(buf, []byte(entry.Attributes[key]))
	}
	appendUint64(buf, uint64(entry.Timestamp))

	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func appendDelimited(buf *bytes.Buffer, data []byte) {
	appendUint32(buf, uint32(len(data)))
	buf.Write(data)
}

func appendUint32(buf *bytes.Buffer, value uint32) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], value)
	buf.Write(scratch[:])
}

func appendUint64(buf *bytes.Buffer, value uint64) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], value)
	buf.Write(scratch[:])
}
