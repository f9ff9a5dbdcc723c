package payee

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-kit-go/billing"
	"github.com/nuwa-protocol/payment-kit-go/envelope"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// WellKnownPath serves the discovery document outside the service base path.
const WellKnownPath = envelope.WellKnownPath

// DefaultBasePath hosts the built-in operations when the service does not
// pick its own prefix.
const DefaultBasePath = envelope.DefaultBasePath

// ServiceInfo describes the service for discovery.
type ServiceInfo struct {
	ServiceID           string
	Network             string
	DefaultPricePicoUSD *big.Int
	BasePath            string
}

// BuiltinRoutes mounts the channel management operations next to the
// service's own routes: discovery, health, recovery, commit and the admin
// surface. Auth and admin gating run in the shared payment pipeline, so
// Register also installs a free billing rule per route.
type BuiltinRoutes struct {
	processor *Processor
	scheduler *ClaimScheduler
	info      ServiceInfo
	logger    *zap.Logger
}

func NewBuiltinRoutes(processor *Processor, scheduler *ClaimScheduler, info ServiceInfo, logger *zap.Logger) *BuiltinRoutes {
	if info.BasePath == "" {
		info.BasePath = DefaultBasePath
	}
	return &BuiltinRoutes{
		processor: processor,
		scheduler: scheduler,
		info:      info,
		logger:    logger,
	}
}

func (b *BuiltinRoutes) BasePath() string { return b.info.BasePath }

// Register mounts the built-in handlers on mux and their billing rules on
// engine. The payment middleware must wrap the mux for the auth gates to
// take effect.
func (b *BuiltinRoutes) Register(mux *http.ServeMux, engine *billing.Engine) error {
	free := false
	routes := []struct {
		id      string
		method  string
		path    string
		auth    bool
		admin   bool
		handler http.Handler
	}{
		{"nuwa.discover", http.MethodGet, WellKnownPath, false, false, http.HandlerFunc(b.handleDiscover)},
		{"nuwa.health", http.MethodGet, b.info.BasePath + "/health", false, false, http.HandlerFunc(b.handleHealth)},
		{"nuwa.recovery", http.MethodGet, b.info.BasePath + "/recovery", true, false, http.HandlerFunc(b.handleRecovery)},
		{"nuwa.commit", http.MethodPost, b.info.BasePath + "/commit", true, false, http.HandlerFunc(b.handleCommit)},
		{"nuwa.admin.status", http.MethodGet, b.info.BasePath + "/admin/status", false, true, http.HandlerFunc(b.handleStatus)},
		{"nuwa.admin.claim-trigger", http.MethodPost, b.info.BasePath + "/admin/claim-trigger", false, true, http.HandlerFunc(b.handleClaimTrigger)},
		{"nuwa.admin.metrics", http.MethodGet, b.info.BasePath + "/admin/metrics", false, true, promhttp.Handler()},
	}

	for _, route := range routes {
		rule := billing.Rule{
			ID: route.id,
			When: map[string]string{
				billing.WhenPath:   route.path,
				billing.WhenMethod: route.method,
			},
			Strategy:        billing.StrategyConfig{Type: billing.StrategyPerRequest},
			AuthRequired:    route.auth,
			AdminOnly:       route.admin,
			PaymentRequired: &free,
		}
		if err := engine.AddRule(rule); err != nil {
			return fmt.Errorf("registering rule %q: %w", route.id, err)
		}
		mux.Handle(route.method+" "+route.path, route.handler)
	}

	return nil
}

func (b *BuiltinRoutes) handleDiscover(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, http.StatusOK, b.discoveryDocument())
}

func (b *BuiltinRoutes) handleHealth(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, http.StatusOK, b.healthDocument())
}

func (b *BuiltinRoutes) handleRecovery(w http.ResponseWriter, r *http.Request) {
	bctx := BillingContextFrom(r.Context())
	if bctx == nil || bctx.AuthDID == "" {
		b.writeProtocolError(w, envelope.Errorf(envelope.CodeUnauthorized, "recovery requires DID authentication"))
		return
	}

	out, err := b.recoveryDocument(r.Context(), bctx.AuthDID, bctx.AuthKeyFragment)
	if err != nil {
		b.writeProtocolError(w, err)
		return
	}
	b.writeJSON(w, http.StatusOK, out)
}

func (b *BuiltinRoutes) discoveryDocument() *envelope.DiscoveryDocument {
	doc := &envelope.DiscoveryDocument{
		Version:        envelope.WireVersion,
		ServiceID:      b.info.ServiceID,
		ServiceDID:     b.processor.ServiceDID(),
		Network:        b.info.Network,
		DefaultAssetID: b.processor.DefaultAssetID(),
		BasePath:       b.info.BasePath,
	}
	if b.info.DefaultPricePicoUSD != nil {
		doc.DefaultPricePicoUSD = b.info.DefaultPricePicoUSD.String()
	}
	return doc
}

func (b *BuiltinRoutes) healthDocument() *envelope.HealthResponse {
	return &envelope.HealthResponse{
		Status:     "ok",
		ServiceDID: b.processor.ServiceDID(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

func (b *BuiltinRoutes) recoveryDocument(ctx context.Context, callerDID, vmIDFragment string) (*envelope.RecoveryResponse, error) {
	result, err := b.processor.Recover(ctx, callerDID, vmIDFragment)
	if err != nil {
		return nil, err
	}

	out := &envelope.RecoveryResponse{}
	if result.Channel != nil {
		out.Channel = &envelope.RecoveryChannel{
			ChannelID: result.Channel.ChannelID.String(),
			PayerDID:  result.Channel.PayerDID,
			PayeeDID:  result.Channel.PayeeDID,
			AssetID:   result.Channel.AssetID,
			Epoch:     strconv.FormatUint(result.Channel.Epoch, 10),
			Status:    result.Channel.Status.String(),
		}
	}
	if result.SubChannel != nil {
		lastClaimed := "0"
		if result.SubChannel.LastClaimedAmount != nil {
			lastClaimed = result.SubChannel.LastClaimedAmount.String()
		}
		out.SubChannel = &envelope.RecoverySubChannel{
			ChannelID:          result.SubChannel.ChannelID.String(),
			VMIDFragment:       result.SubChannel.VMIDFragment,
			Epoch:              strconv.FormatUint(result.SubChannel.Epoch, 10),
			LastClaimedAmount:  lastClaimed,
			LastConfirmedNonce: strconv.FormatUint(result.SubChannel.LastConfirmedNonce, 10),
		}
	}
	if result.Pending != nil {
		raw, err := envelope.MarshalSubRAV(result.Pending)
		if err != nil {
			return nil, err
		}
		out.PendingSubRAV = raw
	}
	return out, nil
}

func (b *BuiltinRoutes) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req envelope.CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.writeProtocolError(w, envelope.Errorf(envelope.CodeBadRequest, "malformed commit body: %s", err))
		return
	}
	if len(req.SignedSubRAV) == 0 {
		b.writeProtocolError(w, envelope.Errorf(envelope.CodeBadRequest, "signedSubRav is required"))
		return
	}

	signed, err := envelope.UnmarshalSignedSubRAV(req.SignedSubRAV)
	if err != nil {
		b.writeProtocolError(w, envelope.Errorf(envelope.CodeBadRequest, "malformed signedSubRav: %s", err))
		return
	}

	if err := b.processor.Commit(r.Context(), signed); err != nil {
		b.writeProtocolError(w, err)
		return
	}

	b.writeJSON(w, http.StatusOK, &envelope.CommitResponse{Accepted: true})
}

func (b *BuiltinRoutes) handleStatus(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, http.StatusOK, b.statusDocument())
}

func (b *BuiltinRoutes) statusDocument() map[string]any {
	processed, settled, persistFailures := b.processor.Counters()
	out := map[string]any{
		"processor": map[string]uint64{
			"processed":       processed,
			"settled":         settled,
			"persistFailures": persistFailures,
		},
	}
	if b.scheduler != nil {
		out["claims"] = b.scheduler.Status()
	}
	return out
}

func (b *BuiltinRoutes) handleClaimTrigger(w http.ResponseWriter, r *http.Request) {
	if b.scheduler == nil {
		b.writeProtocolError(w, envelope.Errorf(envelope.CodeServiceUnavailable, "claim scheduler is not running"))
		return
	}

	var req envelope.ClaimTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.writeProtocolError(w, envelope.Errorf(envelope.CodeBadRequest, "malformed claim-trigger body: %s", err))
		return
	}
	channelID, err := subrav.ParseChannelID(req.ChannelID)
	if err != nil {
		b.writeProtocolError(w, envelope.Errorf(envelope.CodeBadRequest, "invalid channelId: %s", err))
		return
	}

	queued, err := b.scheduler.TriggerClaim(r.Context(), channelID)
	if err != nil {
		b.writeProtocolError(w, err)
		return
	}

	b.writeJSON(w, http.StatusOK, &envelope.ClaimTriggerResponse{Queued: queued})
}

// RegisterMCP exposes the built-in operations as MCP tools; rules match on
// the tool name and carry distinct ids so both transports can share one
// engine. The metrics exposition stays HTTP-only.
func (b *BuiltinRoutes) RegisterMCP(adapter *MCPAdapter, engine *billing.Engine) error {
	free := false
	tools := []struct {
		id      string
		auth    bool
		admin   bool
		handler MCPToolHandler
	}{
		{"nuwa.discover", false, false, b.toolDiscover},
		{"nuwa.health", false, false, b.toolHealth},
		{"nuwa.recovery", true, false, b.toolRecovery},
		{"nuwa.commit", true, false, b.toolCommit},
		{"nuwa.admin.status", false, true, b.toolStatus},
		{"nuwa.admin.claim-trigger", false, true, b.toolClaimTrigger},
	}

	for _, tool := range tools {
		rule := billing.Rule{
			ID:              tool.id + "@mcp",
			When:            map[string]string{"tool": tool.id},
			Strategy:        billing.StrategyConfig{Type: billing.StrategyPerRequest},
			AuthRequired:    tool.auth,
			AdminOnly:       tool.admin,
			PaymentRequired: &free,
		}
		if err := engine.AddRule(rule); err != nil {
			return fmt.Errorf("registering rule %q: %w", rule.ID, err)
		}
		adapter.RegisterTool(tool.id, tool.handler)
	}

	return nil
}

func (b *BuiltinRoutes) toolDiscover(ctx context.Context, _ map[string]any) (map[string]any, error) {
	return toResultMap(b.discoveryDocument())
}

func (b *BuiltinRoutes) toolHealth(ctx context.Context, _ map[string]any) (map[string]any, error) {
	return toResultMap(b.healthDocument())
}

func (b *BuiltinRoutes) toolRecovery(ctx context.Context, _ map[string]any) (map[string]any, error) {
	bctx := BillingContextFrom(ctx)
	if bctx == nil || bctx.AuthDID == "" {
		return nil, envelope.Errorf(envelope.CodeUnauthorized, "recovery requires DID authentication")
	}
	out, err := b.recoveryDocument(ctx, bctx.AuthDID, bctx.AuthKeyFragment)
	if err != nil {
		return nil, err
	}
	return toResultMap(out)
}

func (b *BuiltinRoutes) toolCommit(ctx context.Context, params map[string]any) (map[string]any, error) {
	raw, ok := params["signedSubRav"]
	if !ok || raw == nil {
		return nil, envelope.Errorf(envelope.CodeBadRequest, "signedSubRav is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, envelope.Errorf(envelope.CodeBadRequest, "malformed signedSubRav: %s", err)
	}
	signed, err := envelope.UnmarshalSignedSubRAV(data)
	if err != nil {
		return nil, envelope.Errorf(envelope.CodeBadRequest, "malformed signedSubRav: %s", err)
	}
	if err := b.processor.Commit(ctx, signed); err != nil {
		return nil, err
	}
	return toResultMap(&envelope.CommitResponse{Accepted: true})
}

func (b *BuiltinRoutes) toolStatus(ctx context.Context, _ map[string]any) (map[string]any, error) {
	return b.statusDocument(), nil
}

func (b *BuiltinRoutes) toolClaimTrigger(ctx context.Context, params map[string]any) (map[string]any, error) {
	if b.scheduler == nil {
		return nil, envelope.Errorf(envelope.CodeServiceUnavailable, "claim scheduler is not running")
	}
	raw, _ := params["channelId"].(string)
	channelID, err := subrav.ParseChannelID(raw)
	if err != nil {
		return nil, envelope.Errorf(envelope.CodeBadRequest, "invalid channelId: %s", err)
	}
	queued, err := b.scheduler.TriggerClaim(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return toResultMap(&envelope.ClaimTriggerResponse{Queued: queued})
}

// toResultMap reshapes a wire struct into the map form MCP results carry.
func toResultMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BuiltinRoutes) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		b.logger.Debug("response write failed", zap.Error(err))
	}
}

func (b *BuiltinRoutes) writeProtocolError(w http.ResponseWriter, err error) {
	pe, ok := envelope.AsProtocolError(err)
	if !ok {
		b.logger.Error("builtin operation failed", zap.Error(err))
		pe = envelope.InternalError()
	}
	b.writeJSON(w, pe.Code.HTTPStatus(), map[string]any{
		"error": &envelope.ErrorInfo{Code: pe.Code, Message: pe.Message},
	})
}
