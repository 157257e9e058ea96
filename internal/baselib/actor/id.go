package actor

import (
	"encoding/base32"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// idEncoding renders the 12-byte actor ID as uppercase, unpadded base32 so
// it is safe to embed in log lines, JSON, and the envelope wire format
// without further escaping.
var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID mints a globally unique 12-byte actor identifier. We lean on
// google/uuid for the entropy source (it already maintains a
// cryptographically seeded random pool) and fold its 16 bytes down to the
// 12 the data model calls for by XORing the trailing 4 bytes into the
// leading 12; this keeps the entropy of those trailing bytes rather than
// simply truncating them away.
func NewID() string {
	raw := uuid.New()
	var id [12]byte
	copy(id[:], raw[:12])
	for i := 0; i < 4; i++ {
		id[i] ^= raw[12+i]
	}
	return idEncoding.EncodeToString(id[:])
}

// correlationSource issues monotonically increasing correlation IDs for a
// single bus endpoint. A correlation ID must never be reused while a
// response is pending, which a per-endpoint monotonic counter guarantees
// for the life of the process; it's combined with the endpoint's own ID
// so two peers minting correlation IDs independently (parent and child
// each numbering their outbound requests from 1) never collide on the
// wire.
type correlationSource struct {
	endpointID string
	counter    atomic.Uint64
}

func newCorrelationSource(endpointID string) *correlationSource {
	return &correlationSource{endpointID: endpointID}
}

func (c *correlationSource) next() string {
	n := c.counter.Add(1)
	return c.endpointID + "-" + strconv.FormatUint(n, 10)
}
