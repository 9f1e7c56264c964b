package engine

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/bamsammich/ferry/internal/queue"
)

// translateRemotePath encodes the wire path: script items are wrapped as
// SCRIPT|<base>|<incremental_num>|<nonce>; non-script items get the
// session token prefixed, if one is configured.
func (e *Engine) translateRemotePath(it *queue.Item) string {
	base := it.RemotePath()
	if it.IsScript {
		return fmt.Sprintf("SCRIPT|%s|%d|%d", base, it.IncrementalNum, e.nonceSource())
	}
	if e.sessionToken != "" {
		return e.sessionToken + "|" + base
	}
	return base
}

// defaultNonceSource is used when no orchestrator RNG is wired via
// SetNonceSource. It draws from crypto/rand so script remote names stay
// unique even in tests that never call SetNonceSource.
func defaultNonceSource() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return 0
	}
	return n.Int64()
}
