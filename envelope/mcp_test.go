package envelope

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMCPRequest_InjectExtract(t *testing.T) {
	params := map[string]any{"city": "berlin"}
	p := &RequestPayload{ClientTxRef: "ref-1", SignedSubRAV: testSignedSubRAV()}

	require.NoError(t, InjectMCPRequest(params, p, "DIDAuthV1 abc"))

	payload, auth, err := ExtractMCPRequest(params)
	require.NoError(t, err)
	require.Equal(t, "DIDAuthV1 abc", auth)
	require.Equal(t, "ref-1", payload.ClientTxRef)
	require.True(t, p.SignedSubRAV.SubRAV.Equal(&payload.SignedSubRAV.SubRAV))

	stripped := StripMCPReserved(params)
	require.Equal(t, map[string]any{"city": "berlin"}, stripped)
}

func TestMCPRequest_MissingPayment(t *testing.T) {
	payload, auth, err := ExtractMCPRequest(map[string]any{MCPAuthKey: "DIDAuthV1 x"})
	require.NoError(t, err)
	require.Nil(t, payload)
	require.Equal(t, "DIDAuthV1 x", auth)
}

func TestMCPResponse_StructuredField(t *testing.T) {
	p := &ResponsePayload{ClientTxRef: "ref-1", Cost: big.NewInt(5)}

	field, err := MCPResponseField(p)
	require.NoError(t, err)

	back, err := ParseMCPResponse(map[string]any{MCPPaymentKey: field})
	require.NoError(t, err)
	require.Equal(t, "ref-1", back.ClientTxRef)
	require.Equal(t, 0, back.Cost.Cmp(big.NewInt(5)))
}

func TestMCPResponse_ContentItem(t *testing.T) {
	p := &ResponsePayload{ClientTxRef: "ref-1", CostUSD: big.NewInt(1_000)}

	item, err := MCPResponseContentItem(p)
	require.NoError(t, err)
	require.Equal(t, "resource", item["type"])

	resource := item["resource"].(map[string]any)
	require.Equal(t, MCPPaymentURI, resource["uri"])
	require.Equal(t, MCPPaymentMimeType, resource["mimeType"])

	result := map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": "business output"},
			item,
		},
	}
	back, err := ParseMCPResponse(result)
	require.NoError(t, err)
	require.Equal(t, 0, back.CostUSD.Cmp(big.NewInt(1_000)))
}

func TestMCPResponse_Absent(t *testing.T) {
	back, err := ParseMCPResponse(map[string]any{"content": []any{}})
	require.NoError(t, err)
	require.Nil(t, back)
}
