package payee

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-kit-go/billing"
	"github.com/nuwa-protocol/payment-kit-go/envelope"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// HTTPMiddleware gates an http.Handler behind the payment pipeline. The
// response is buffered so Settle runs and the successor proposal rides the
// response header before any byte reaches the client; Persist runs after the
// flush so storage latency never sits on the response path.
type HTTPMiddleware struct {
	processor *Processor
	resolver  subrav.DIDResolver
	skew      time.Duration
	logger    *zap.Logger
}

func NewHTTPMiddleware(processor *Processor, resolver subrav.DIDResolver, logger *zap.Logger) *HTTPMiddleware {
	return &HTTPMiddleware{
		processor: processor,
		resolver:  resolver,
		skew:      envelope.DefaultDIDAuthSkew,
		logger:    logger,
	}
}

func (m *HTTPMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bctx, err := m.prepare(r)
		if err != nil {
			m.writeError(w, bctx, err)
			return
		}

		if err := m.processor.PreProcess(r.Context(), bctx); err != nil {
			bctx.Release()
			m.writeError(w, bctx, err)
			return
		}

		buffered := newBufferedResponseWriter()
		m.invoke(next, buffered, r.WithContext(WithBillingContext(r.Context(), bctx)), bctx)

		// A handler reporting an internal failure is not charged for it.
		if buffered.status >= http.StatusInternalServerError {
			bctx.HandlerFailed = true
		}

		if err := m.processor.Settle(r.Context(), bctx); err != nil {
			// The receipt verified in PreProcess is value already received;
			// a settlement failure only costs the successor proposal.
			m.writeError(w, bctx, err)
			m.schedulePersist(bctx)
			return
		}

		if bctx.Response != nil {
			value, err := envelope.EncodeResponseHeader(bctx.Response)
			if err != nil {
				m.logger.Error("response envelope encoding failed", zap.Error(err))
				m.writeError(w, bctx, envelope.InternalError())
				m.schedulePersist(bctx)
				return
			}
			buffered.header.Set(envelope.HeaderName, value)
		}

		buffered.flush(w)
		m.schedulePersist(bctx)
	})
}

// schedulePersist runs Step C off the request path: the request context dies
// with the connection, persistence must outlive it. Persist releases the
// sub-channel lock.
func (m *HTTPMiddleware) schedulePersist(bctx *BillingContext) {
	go func() {
		if err := m.processor.Persist(context.Background(), bctx); err != nil {
			m.logger.Warn("post-response persistence failed", zap.Error(err))
		}
	}()
}

// invoke runs the business handler, converting a panic into a failed,
// zero-cost settlement instead of tearing down the connection.
func (m *HTTPMiddleware) invoke(next http.Handler, buffered *bufferedResponseWriter, r *http.Request, bctx *BillingContext) {
	defer func() {
		if rec := recover(); rec != nil {
			bctx.HandlerFailed = true
			buffered.reset(http.StatusInternalServerError)
			m.logger.Error("handler panicked", zap.Any("panic", rec), zap.Stack("stacktrace"))
		}
	}()
	next.ServeHTTP(buffered, r)
}

// prepare authenticates the caller and decodes the payment envelope. A
// missing Authorization header leaves the request anonymous; a present but
// invalid one is rejected outright.
func (m *HTTPMiddleware) prepare(r *http.Request) (*BillingContext, error) {
	values := make(map[string]string)
	for key, vals := range r.URL.Query() {
		if len(vals) > 0 {
			values[key] = vals[0]
		}
	}
	bctx := &BillingContext{
		Meta: &billing.Meta{
			Path:   r.URL.Path,
			Method: r.Method,
			Values: values,
		},
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		token, err := envelope.ParseDIDAuthHeader(auth)
		if err != nil {
			return bctx, envelope.Errorf(envelope.CodeUnauthorized, "malformed authorization header")
		}
		ok, err := token.Verify(r.Context(), m.resolver, m.processor.ServiceDID(), m.skew)
		if err != nil || !ok {
			return bctx, envelope.Errorf(envelope.CodeUnauthorized, "did auth verification failed")
		}
		bctx.AuthDID = token.DID
		bctx.AuthKeyFragment = token.KeyFragment()
	}

	if envelope.HasPaymentData(r.Header) {
		payload, err := envelope.DecodeRequestHeader(r.Header.Get(envelope.HeaderName))
		if err != nil {
			return bctx, envelope.Errorf(envelope.CodeBadRequest, "malformed payment header: %s", err)
		}
		bctx.Request = payload
	}

	return bctx, nil
}

// writeError renders a protocol error on both channels: the payment header
// for the payer client and a JSON body for everyone else. PAYMENT_REQUIRED
// carries the pending proposal so the payer can sign it on the retry.
func (m *HTTPMiddleware) writeError(w http.ResponseWriter, bctx *BillingContext, err error) {
	pe, ok := envelope.AsProtocolError(err)
	if !ok {
		m.logger.Error("payment pipeline failed", zap.Error(err))
		pe = envelope.InternalError()
	}

	clientTxRef := ""
	if bctx != nil && bctx.Request != nil {
		clientTxRef = bctx.Request.ClientTxRef
	}

	payload := &envelope.ResponsePayload{
		Version:     envelope.WireVersion,
		ClientTxRef: clientTxRef,
		SubRAV:      pe.Pending,
		Error:       &envelope.ErrorInfo{Code: pe.Code, Message: pe.Message},
	}
	if value, err := envelope.EncodeResponseHeader(payload); err == nil {
		w.Header().Set(envelope.HeaderName, value)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(pe.Code.HTTPStatus())

	body := struct {
		Error       *envelope.ErrorInfo `json:"error"`
		ClientTxRef string              `json:"clientTxRef,omitempty"`
	}{Error: &envelope.ErrorInfo{Code: pe.Code, Message: pe.Message}, ClientTxRef: clientTxRef}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		m.logger.Debug("error body write failed", zap.Error(err))
	}
}

// bufferedResponseWriter holds the handler's output until settlement decides
// the response header. It trades streaming for the guarantee that the
// proposal is on the wire before the body.
type bufferedResponseWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newBufferedResponseWriter() *bufferedResponseWriter {
	return &bufferedResponseWriter{header: make(http.Header)}
}

func (b *bufferedResponseWriter) Header() http.Header { return b.header }

func (b *bufferedResponseWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponseWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

// reset discards everything the handler wrote. Used when a panic leaves the
// buffer half filled.
func (b *bufferedResponseWriter) reset(status int) {
	b.header = make(http.Header)
	b.body.Reset()
	b.status = status
}

func (b *bufferedResponseWriter) flush(w http.ResponseWriter) {
	for key, vals := range b.header {
		for _, val := range vals {
			w.Header().Add(key, val)
		}
	}
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if b.body.Len() > 0 {
		_, _ = w.Write(b.body.Bytes())
	}
}
