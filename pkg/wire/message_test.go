package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

const connectEventJSON = `{
  "event": "connect",
  "id": 3,
  "payload": {
    "items": [
      {"name": "ton_addr", "address": "0:abcd", "network": "-239", "publicKey": "ff", "walletStateInit": "te6c"},
      {"name": "ton_proof", "proof": {"timestamp": 1700000000, "domain": {"lengthBytes": 11, "value": "example.com"}, "signature": "c2ln", "payload": "p"}}
    ],
    "device": {
      "platform": "iphone",
      "appName": "Tonkeeper",
      "appVersion": "3.4.0",
      "maxProtocolVersion": 2,
      "features": ["SendTransaction", {"name": "SendTransaction", "maxMessages": 255}, {"name": "SignData", "types": ["text", "cell"]}]
    }
  }
}`

func TestParseConnectEvent(t *testing.T) {
	msg, err := ParseWalletMessage([]byte(connectEventJSON))
	require.NoError(t, err)

	ev, ok := msg.(*ConnectEventSuccess)
	require.True(t, ok)
	require.EqualValues(t, 3, ev.EventID())

	addr, ok := ev.Payload.TonAddr()
	require.True(t, ok)
	require.Equal(t, "0:abcd", addr.Address)
	require.Equal(t, Mainnet, addr.Network)

	proof, ok := ev.Payload.TonProof()
	require.True(t, ok)
	require.Equal(t, "example.com", proof.Proof.Domain.Value)
	require.EqualValues(t, 1700000000, proof.Proof.Timestamp)

	send, ok := ev.Payload.Device.Feature(FeatureSendTransaction)
	require.True(t, ok)
	require.Equal(t, 255, send.MaxMessages)
	require.True(t, ev.Payload.Device.SupportsSignDataType(SignDataCell))
	require.False(t, ev.Payload.Device.SupportsSignDataType(SignDataBinary))
}

func TestLegacyFeatureOnly(t *testing.T) {
	var d DeviceInfo
	require.NoError(t, json.Unmarshal([]byte(`{"features":["SendTransaction"]}`), &d))
	f, ok := d.Feature(FeatureSendTransaction)
	require.True(t, ok)
	require.Equal(t, legacyMaxMessages, f.MaxMessages)
	_, ok = d.Feature(FeatureSignData)
	require.False(t, ok)
}

func TestParseEventVariants(t *testing.T) {
	msg, err := ParseWalletMessage([]byte(`{"event":"connect_error","id":"4","payload":{"code":300,"message":"rejected"}}`))
	require.NoError(t, err)
	require.Equal(t, &ConnectEventError{ID: 4, Code: CodeUserRejects, Message: "rejected"}, msg)

	msg, err = ParseWalletMessage([]byte(`{"event":"disconnect","id":5,"payload":{}}`))
	require.NoError(t, err)
	require.Equal(t, &DisconnectEvent{ID: 5}, msg)

	msg, err = ParseWalletMessage([]byte(`{"event":"disconnect","id":6,"payload":{"code":0,"message":"boom"}}`))
	require.NoError(t, err)
	require.Equal(t, &DisconnectEventError{ID: 6, Code: CodeUnknown, Message: "boom"}, msg)

	_, err = ParseWalletMessage([]byte(`{"event":"mystery","id":1}`))
	require.Error(t, err)
}

func TestParseRPCResponses(t *testing.T) {
	msg, err := ParseWalletMessage([]byte(`{"result":"te6cboc","id":"7"}`))
	require.NoError(t, err)
	ok, isOK := msg.(*RPCResponseSuccess)
	require.True(t, isOK)
	require.Equal(t, "7", ok.ID)

	res, err := DecodeSendTransactionResult(ok.Result)
	require.NoError(t, err)
	require.Equal(t, "te6cboc", res.BOC)

	msg, err = ParseWalletMessage([]byte(`{"error":{"code":300,"message":"declined"},"id":8}`))
	require.NoError(t, err)
	require.Equal(t, &RPCResponseError{ID: "8", Code: CodeUserRejects, Message: "declined"}, msg)

	_, err = ParseWalletMessage([]byte(`{"id":"9"}`))
	require.Error(t, err)
}

func TestRequestEncoding(t *testing.T) {
	req, err := NewSendTransactionRequest(Transaction{
		ValidUntil: 100,
		Messages:   []Message{{Address: "0:01", Amount: "1000"}},
	})
	require.NoError(t, err)
	require.Equal(t, MethodSendTransaction, req.Method)
	require.JSONEq(t, `{"valid_until":100,"messages":[{"address":"0:01","amount":"1000"}]}`, req.Params[0])

	require.Error(t, SignDataPayload{Type: SignDataCell, Cell: "x"}.Validate())
	require.NoError(t, SignDataPayload{Type: SignDataText, Text: "hi"}.Validate())

	raw, err := json.Marshal(NewDisconnectRequest())
	require.NoError(t, err)
	require.JSONEq(t, `{"method":"disconnect","params":[],"id":""}`, string(raw))
}
