package payer

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// DefaultRequestTimeout bounds how long a request may stay unresolved in the
// in-flight table before it is rejected.
const DefaultRequestTimeout = 30 * time.Second

const (
	rejectedRefsCap = 1024
	rejectedRefsTTL = 5 * time.Minute
)

// ErrRequestTimedOut resolves an in-flight request whose timer fired before a
// response envelope arrived.
var ErrRequestTimedOut = errors.New("payment resolution timed out")

// PaymentInfo is the settled payment view of one request, resolved from the
// response envelope by clientTxRef.
type PaymentInfo struct {
	ClientTxRef  string
	ServiceTxRef string
	ChannelID    subrav.ChannelID
	VMIDFragment string
	AssetID      string
	Cost         *big.Int // asset units
	CostUSD      *big.Int // picoUSD
	Nonce        uint64
	Timestamp    time.Time
}

// inflightResult is what an entry's done channel delivers: a payment, a nil
// payment for free resolutions, or an error.
type inflightResult struct {
	info *PaymentInfo
	err  error
}

type inflightEntry struct {
	done  chan inflightResult
	timer *time.Timer
}

// inflightTable tracks requests awaiting payment resolution, keyed by
// clientTxRef. Each entry times out individually. Rejected refs stay on an
// expiring set so a late response for them is dropped instead of resurrecting
// the request.
type inflightTable struct {
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	entries  map[string]*inflightEntry
	rejected *expirable.LRU[string, struct{}]
}

func newInflightTable(timeout time.Duration, logger *zap.Logger) *inflightTable {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &inflightTable{
		timeout:  timeout,
		logger:   logger,
		entries:  make(map[string]*inflightEntry),
		rejected: expirable.NewLRU[string, struct{}](rejectedRefsCap, nil, rejectedRefsTTL),
	}
}

// track registers ref and arms its timeout. The returned channel delivers
// exactly one result.
func (t *inflightTable) track(ref string) (<-chan inflightResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[ref]; ok {
		return nil, fmt.Errorf("clientTxRef %q already in flight", ref)
	}

	entry := &inflightEntry{done: make(chan inflightResult, 1)}
	entry.timer = time.AfterFunc(t.timeout, func() {
		if t.reject(ref, ErrRequestTimedOut) {
			t.logger.Debug("in-flight request timed out", zap.String("client_tx_ref", ref))
		}
	})
	t.entries[ref] = entry
	return entry.done, nil
}

// resolve delivers info to the request tracked under ref. A nil info resolves
// the request as free.
func (t *inflightTable) resolve(ref string, info *PaymentInfo) bool {
	entry := t.take(ref)
	if entry == nil {
		return false
	}
	entry.done <- inflightResult{info: info}
	return true
}

// reject delivers err to the request tracked under ref and marks the ref
// recently rejected.
func (t *inflightTable) reject(ref string, err error) bool {
	entry := t.take(ref)
	if entry == nil {
		return false
	}
	t.mu.Lock()
	t.rejected.Add(ref, struct{}{})
	t.mu.Unlock()

	entry.done <- inflightResult{err: err}
	return true
}

// take removes ref from the table and disarms its timer. Single delivery is
// guaranteed by the removal happening under the lock.
func (t *inflightTable) take(ref string) *inflightEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[ref]
	if !ok {
		return nil
	}
	delete(t.entries, ref)
	entry.timer.Stop()
	return entry
}

// extend resets the timeout of a tracked request, for callers that know a
// slow response is still coming.
func (t *inflightTable) extend(ref string, d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[ref]
	if !ok {
		return false
	}
	if d <= 0 {
		d = t.timeout
	}
	entry.timer.Reset(d)
	return true
}

// recentlyRejected reports whether ref was rejected within the retention
// window of the rejected set.
func (t *inflightTable) recentlyRejected(ref string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rejected.Contains(ref)
}

func (t *inflightTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// rejectAll fails every tracked request with err.
func (t *inflightTable) rejectAll(err error) {
	for _, ref := range t.refs() {
		t.reject(ref, err)
	}
}

// resolveAllAsFree resolves every tracked request with no payment, used when
// the channel downgrades to free service.
func (t *inflightTable) resolveAllAsFree() {
	for _, ref := range t.refs() {
		t.resolve(ref, nil)
	}
}

func (t *inflightTable) refs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	refs := make([]string, 0, len(t.entries))
	for ref := range t.entries {
		refs = append(refs, ref)
	}
	return refs
}
