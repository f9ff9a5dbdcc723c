package payer

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nuwa-protocol/payment-kit-go/envelope"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// Call is one request moving through the payment pipeline, from proposal
// signing to payment resolution. Every Call must be finished with exactly one
// AfterResponse or AbortRequest.
type Call struct {
	ClientTxRef string

	payload *envelope.RequestPayload
	taken   *subrav.SubRAV
	gen     uint64
	done    <-chan inflightResult
}

// Payload is the request envelope to attach to the outgoing request.
func (call *Call) Payload() *envelope.RequestPayload { return call.payload }

// Wait blocks until the call resolves: a payment, a free resolution with nil
// info, or an error. It may be called at most once.
func (call *Call) Wait(ctx context.Context) (*PaymentInfo, error) {
	select {
	case result := <-call.done:
		return result.info, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BeforeRequest prepares the payment side of an outgoing request: it takes
// the proposal mailbox token, signs the proposal when one is pending, and
// registers the call in the in-flight table.
func (c *Client) BeforeRequest(ctx context.Context) (*Call, error) {
	if err := c.EnsureChannelReady(ctx); err != nil {
		return nil, err
	}

	token, err := c.takeProposal(ctx)
	if err != nil {
		return nil, err
	}

	payload := &envelope.RequestPayload{
		Version:     envelope.WireVersion,
		ClientTxRef: uuid.NewString(),
		MaxAmount:   c.maxAmount,
	}
	if token.pending != nil {
		signed, err := subrav.Sign(ctx, token.pending, c.signer, c.keyID)
		if err != nil {
			c.putProposal(token.pending, token.gen)
			return nil, fmt.Errorf("signing proposal: %w", err)
		}
		payload.SignedSubRAV = signed
	}

	done, err := c.inflight.track(payload.ClientTxRef)
	if err != nil {
		c.putProposal(token.pending, token.gen)
		return nil, err
	}

	return &Call{
		ClientTxRef: payload.ClientTxRef,
		payload:     payload,
		taken:       token.pending,
		gen:         token.gen,
		done:        done,
	}, nil
}

// AfterResponse feeds a response back into the client: it resolves the
// in-flight call, advances the proposal mailbox, and resets channel state
// when the service reports it out of sync. payload is nil for responses
// without a payment envelope; transportErr is non-nil when the request never
// completed.
func (c *Client) AfterResponse(call *Call, payload *envelope.ResponsePayload, transportErr error) {
	switch {
	case transportErr != nil:
		c.inflight.reject(call.ClientTxRef, transportErr)
		c.putProposal(call.taken, call.gen)

	case payload == nil:
		// No envelope: a free route; the attached receipt was not consumed.
		c.inflight.resolve(call.ClientTxRef, nil)
		c.putProposal(call.taken, call.gen)

	case payload.Error != nil:
		c.failCall(call, payload)

	default:
		c.settleCall(call, payload)
	}
}

// AbortRequest abandons a call whose request never went out; the proposal
// returns to the mailbox unconsumed.
func (c *Client) AbortRequest(call *Call, err error) {
	c.inflight.reject(call.ClientTxRef, err)
	c.putProposal(call.taken, call.gen)
}

func (c *Client) settleCall(call *Call, payload *envelope.ResponsePayload) {
	if c.inflight.recentlyRejected(call.ClientTxRef) {
		// The call was already rejected (timeout, shutdown); nothing in a
		// late response is trusted.
		c.putProposal(nil, call.gen)
		return
	}
	c.inflight.resolve(call.ClientTxRef, c.paymentInfo(call, payload))
	c.putProposal(c.acceptProposal(call.taken, payload.SubRAV), call.gen)
}

func (c *Client) failCall(call *Call, payload *envelope.ResponsePayload) {
	stale := c.inflight.recentlyRejected(call.ClientTxRef)
	pe := envelope.Errorf(payload.Error.Code, "%s", payload.Error.Message)
	c.inflight.reject(call.ClientTxRef, pe)

	switch payload.Error.Code {
	case envelope.CodeRAVConflict, envelope.CodeUnknownSubRAV:
		// The proposal chains diverged. Resync through recovery and let the
		// service regenerate the next proposal.
		c.resetChannel(true)

	case envelope.CodeChannelNotFound, envelope.CodeChannelClosed,
		envelope.CodeEpochMismatch, envelope.CodeSubChannelNotAuthorized:
		c.resetChannel(false)

	case envelope.CodePaymentRequired:
		if stale {
			c.putProposal(nil, call.gen)
			return
		}
		if next := c.acceptProposal(call.taken, payload.SubRAV); next != nil {
			c.putProposal(next, call.gen)
			return
		}
		c.putProposal(call.taken, call.gen)

	default:
		c.putProposal(call.taken, call.gen)
	}
}

func (c *Client) paymentInfo(call *Call, payload *envelope.ResponsePayload) *PaymentInfo {
	info := &PaymentInfo{
		ClientTxRef:  call.ClientTxRef,
		ServiceTxRef: payload.ServiceTxRef,
		VMIDFragment: c.vmIDFragment,
		Cost:         payload.Cost,
		CostUSD:      payload.CostUSD,
		Timestamp:    time.Now(),
	}

	c.mu.Lock()
	info.ChannelID = c.channelID
	info.AssetID = c.assetID
	c.mu.Unlock()

	if payload.SubRAV != nil {
		info.ChannelID = payload.SubRAV.ChannelID
		info.Nonce = payload.SubRAV.Nonce
	}
	if info.Cost == nil {
		info.Cost = big.NewInt(0)
	}
	if info.CostUSD == nil {
		info.CostUSD = big.NewInt(0)
	}
	return info
}

// Do sends req through the payment channel: the pending proposal is signed
// and attached along with a DIDAuthV1 token, and the response envelope
// resolves the payment. Responses the client can heal from, a
// PAYMENT_REQUIRED carrying a proposal or a state mismatch cleared by
// recovery, are retried up to two times when the body is replayable.
func (c *Client) Do(req *http.Request) (*http.Response, *PaymentInfo, error) {
	resp, info, err := c.doOnce(req)
	for attempt := 0; attempt < 2 && err != nil && c.shouldRetry(req, err); attempt++ {
		if resp != nil {
			drainBody(resp)
		}
		if rewindErr := rewindBody(req); rewindErr != nil {
			return resp, nil, rewindErr
		}
		resp, info, err = c.doOnce(req)
	}
	return resp, info, err
}

// Get issues a paid GET against a service path.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, *PaymentInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return nil, nil, err
	}
	return c.Do(req)
}

func (c *Client) doOnce(req *http.Request) (*http.Response, *PaymentInfo, error) {
	ctx := req.Context()

	call, err := c.BeforeRequest(ctx)
	if err != nil {
		return nil, nil, err
	}

	header, err := envelope.EncodeRequestHeader(call.payload)
	if err != nil {
		c.AbortRequest(call, err)
		return nil, nil, fmt.Errorf("encoding payment header: %w", err)
	}
	req.Header.Set(envelope.HeaderName, header)

	auth, err := c.authHeader(ctx)
	if err != nil {
		c.AbortRequest(call, err)
		return nil, nil, err
	}
	req.Header.Set("Authorization", auth)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.AfterResponse(call, nil, err)
		return nil, nil, err
	}

	var payload *envelope.ResponsePayload
	if value := resp.Header.Get(envelope.HeaderName); value != "" {
		payload, err = envelope.DecodeResponseHeader(value)
		if err != nil {
			err = fmt.Errorf("decoding response envelope: %w", err)
			c.AfterResponse(call, nil, err)
			return resp, nil, err
		}
	}
	c.AfterResponse(call, payload, nil)

	result := <-call.done
	if result.err != nil {
		return resp, nil, result.err
	}
	return resp, result.info, nil
}

func (c *Client) shouldRetry(req *http.Request, err error) bool {
	if req.Body != nil && req.GetBody == nil {
		return false
	}
	pe, ok := envelope.AsProtocolError(err)
	if !ok {
		return false
	}
	switch pe.Code {
	case envelope.CodePaymentRequired, envelope.CodeUnknownSubRAV, envelope.CodeRAVConflict:
		return true
	}
	return false
}

func rewindBody(req *http.Request) error {
	if req.Body == nil || req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("rewinding request body: %w", err)
	}
	req.Body = body
	return nil
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
