package envelope

import "encoding/json"

// Wire types for the built-in service operations. Both transports and both
// sides of the channel share these shapes; numerics are decimal strings.

// WellKnownPath is where every payee serves its discovery document.
const WellKnownPath = "/.well-known/nuwa-payment/info"

// DefaultBasePath hosts the built-in operations when discovery is
// unavailable or the document omits a base path.
const DefaultBasePath = "/payment-channel"

// DiscoveryDocument is the well-known service descriptor served under
// /.well-known/nuwa-payment/info.
type DiscoveryDocument struct {
	Version             int    `json:"version"`
	ServiceID           string `json:"serviceId"`
	ServiceDID          string `json:"serviceDid"`
	Network             string `json:"network"`
	DefaultAssetID      string `json:"defaultAssetId"`
	DefaultPricePicoUSD string `json:"defaultPricePicoUSD,omitempty"`
	BasePath            string `json:"basePath"`
}

// HealthResponse is the body of the built-in health operation.
type HealthResponse struct {
	Status     string `json:"status"`
	ServiceDID string `json:"serviceDid"`
	Timestamp  string `json:"timestamp"`
}

// RecoveryChannel is the channel member of a recovery document.
type RecoveryChannel struct {
	ChannelID string `json:"channelId"`
	PayerDID  string `json:"payerDid"`
	PayeeDID  string `json:"payeeDid"`
	AssetID   string `json:"assetId"`
	Epoch     string `json:"epoch"`
	Status    string `json:"status"`
}

// RecoverySubChannel is the sub-channel member of a recovery document.
type RecoverySubChannel struct {
	ChannelID          string `json:"channelId"`
	VMIDFragment       string `json:"vmIdFragment"`
	Epoch              string `json:"epoch"`
	LastClaimedAmount  string `json:"lastClaimedAmount"`
	LastConfirmedNonce string `json:"lastConfirmedNonce"`
}

// RecoveryResponse is the body of the built-in recovery operation. Members
// missing on the payee side are omitted, never zeroed. The pending proposal
// keeps the SubRAV wire form; decode it with UnmarshalSubRAV.
type RecoveryResponse struct {
	Channel       *RecoveryChannel    `json:"channel,omitempty"`
	SubChannel    *RecoverySubChannel `json:"subChannel,omitempty"`
	PendingSubRAV json.RawMessage     `json:"pendingSubRav,omitempty"`
}

// CommitRequest is the body of the built-in commit operation; the signed
// SubRAV keeps its wire form (UnmarshalSignedSubRAV).
type CommitRequest struct {
	SignedSubRAV json.RawMessage `json:"signedSubRav"`
}

// CommitResponse acknowledges an accepted commit.
type CommitResponse struct {
	Accepted bool `json:"accepted"`
}

// ClaimTriggerRequest is the body of the admin claim-trigger operation.
type ClaimTriggerRequest struct {
	ChannelID string `json:"channelId"`
}

// ClaimTriggerResponse reports how many sub-channel claims were queued.
type ClaimTriggerResponse struct {
	Queued int `json:"queued"`
}
