package payee

import (
	"context"
	"math/big"

	"github.com/nuwa-protocol/payment-kit-go/billing"
	"github.com/nuwa-protocol/payment-kit-go/contract"
	"github.com/nuwa-protocol/payment-kit-go/envelope"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// BillingContext carries one request through the three pipeline steps. A
// transport adapter fills Meta, Request and AuthDID, then hands the context
// to PreProcess, Settle and Persist in that order.
type BillingContext struct {
	// Meta describes the request for rule matching and usage collection.
	Meta *billing.Meta

	// Request is the decoded payment envelope, nil when the request carried
	// none.
	Request *envelope.RequestPayload

	// AuthDID is the DID authenticated by the transport adapter, empty when
	// the request carried no valid DID-auth token. AuthKeyFragment is the
	// fragment of the key that authenticated it.
	AuthDID         string
	AuthKeyFragment string

	// HandlerFailed tells Settle the business handler broke after PreProcess
	// accepted the receipt: charge nothing, emit no successor proposal.
	HandlerFailed bool

	// Response is populated by Settle and rendered by the adapter.
	Response *envelope.ResponsePayload

	rule     *billing.Rule
	payerDID string

	channelID    subrav.ChannelID
	vmIDFragment string
	channelInfo  *contract.ChannelInfo
	subChannel   *contract.SubChannelInfo

	// verifiedSigned is the submitted SubRAV after PreProcess accepted it; it
	// stands in for the latest stored receipt until Persist saves it.
	verifiedSigned *subrav.SignedSubRAV
	latestSigned   *subrav.SignedSubRAV

	// proposal is the unsigned successor emitted by Settle; Persist stores
	// it as the sub-channel's pending proposal.
	proposal *subrav.SubRAV

	assetPrice    *big.Int
	assetDecimals uint8

	engaged  bool // pipeline active: channel resolved and lock held
	unlocked bool
	locks    *keyMutex
}

// Rule returns the matched billing rule, nil when no rule matched.
func (b *BillingContext) Rule() *billing.Rule {
	return b.rule
}

// PayerDID returns the payer identity resolved during PreProcess.
func (b *BillingContext) PayerDID() string {
	return b.payerDID
}

// SetUsage records a usage counter consumed by deferred strategies.
func (b *BillingContext) SetUsage(key string, value *big.Int) {
	if b.Meta == nil {
		b.Meta = &billing.Meta{}
	}
	b.Meta.SetUsage(key, value)
}

// Release frees the sub-channel lock. It is idempotent and must be called
// once the pipeline is done with the request, error paths included; Persist
// calls it on completion.
func (b *BillingContext) Release() {
	if !b.engaged || b.unlocked {
		return
	}
	b.unlocked = true
	b.locks.Unlock(subChannelKey{b.channelID, b.vmIDFragment})
}

type billingContextKey struct{}

// WithBillingContext attaches the billing context to a request context so
// business handlers can record usage or inspect the payer.
func WithBillingContext(ctx context.Context, bctx *BillingContext) context.Context {
	return context.WithValue(ctx, billingContextKey{}, bctx)
}

// BillingContextFrom returns the billing context attached by the transport
// adapter, or nil when the request went through no payment pipeline.
func BillingContextFrom(ctx context.Context) *BillingContext {
	bctx, _ := ctx.Value(billingContextKey{}).(*BillingContext)
	return bctx
}
