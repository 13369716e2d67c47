package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bhandras/tonconnect/internal/crypto"
	"github.com/bhandras/tonconnect/pkg/tonproof"
	"github.com/bhandras/tonconnect/pkg/wire"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton/wallet"
)

const testDomain = "dapp.example.com"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	jwtManager, err := crypto.NewJWTManager("jwt secret", time.Hour)
	require.NoError(t, err)

	srv, err := New(Config{
		ProofSecret: []byte("proof secret"),
		PayloadTTL:  time.Minute,
		Verify: tonproof.VerifyOptions{
			AllowedDomains: []string{testDomain},
			ValidAuthTime:  15 * time.Minute,
		},
	}, jwtManager)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

// signedProof builds a v4r2 wallet and signs a proof over payload.
func signedProof(t *testing.T, payload string) CheckProofRequest {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	si, err := wallet.GetStateInit(pub, wallet.V4R2, wallet.DefaultSubwallet)
	require.NoError(t, err)
	root, err := tlb.ToCell(si)
	require.NoError(t, err)
	addr := address.NewAddress(0, 0, root.Hash())

	p := tonproof.TonProof{
		Address:         addr.StringRaw(),
		Network:         wire.Testnet,
		PublicKey:       hex.EncodeToString(pub),
		WalletStateInit: base64.StdEncoding.EncodeToString(root.ToBOC()),
		Proof: wire.TonProofReply{
			Timestamp: time.Now().Unix(),
			Domain:    wire.ProofDomain{LengthBytes: uint32(len(testDomain)), Value: testDomain},
			Payload:   payload,
		},
	}
	msg, err := p.Message()
	require.NoError(t, err)

	return CheckProofRequest{
		Address:   p.Address,
		Network:   p.Network,
		PublicKey: p.PublicKey,
		Proof: ProofBody{
			Timestamp: p.Proof.Timestamp,
			Domain:    p.Proof.Domain,
			Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg)),
			Payload:   payload,
			StateInit: p.WalletStateInit,
		},
	}
}

func TestProofFlow(t *testing.T) {
	ts := newTestServer(t)

	var payload payloadResponse
	require.Equal(t, http.StatusOK, postJSON(t, ts.URL+"/ton-proof/generatePayload", struct{}{}, &payload))
	require.NotEmpty(t, payload.Payload)

	req := signedProof(t, payload.Payload)
	var token tokenResponse
	require.Equal(t, http.StatusOK, postJSON(t, ts.URL+"/ton-proof/checkProof", req, &token))
	require.NotEmpty(t, token.Token)

	httpReq, err := http.NewRequestWithContext(context.Background(), http.MethodGet,
		ts.URL+"/dapp/getAccountInfo", nil)
	require.NoError(t, err)
	httpReq.Header.Set("Authorization", "Bearer "+token.Token)
	res, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var info AccountInfo
	require.NoError(t, json.NewDecoder(res.Body).Decode(&info))
	require.Equal(t, req.Address, info.Address)
	require.Equal(t, wire.Testnet, info.Network)

	friendly, err := address.ParseAddr(info.Friendly)
	require.NoError(t, err)
	require.True(t, friendly.IsTestnetOnly())
	require.Equal(t, req.Address, friendly.StringRaw())
}

func TestCheckProofRejects(t *testing.T) {
	ts := newTestServer(t)

	var payload payloadResponse
	postJSON(t, ts.URL+"/ton-proof/generatePayload", struct{}{}, &payload)

	t.Run("foreign payload", func(t *testing.T) {
		foreign, err := tonproof.CreatePayload([]byte("other secret"), time.Minute)
		require.NoError(t, err)
		var res errorResponse
		code := postJSON(t, ts.URL+"/ton-proof/checkProof", signedProof(t, foreign), &res)
		require.Equal(t, http.StatusBadRequest, code)
		require.Equal(t, "invalid payload", res.Error)
	})

	t.Run("tampered signature", func(t *testing.T) {
		req := signedProof(t, payload.Payload)
		req.Proof.Timestamp--
		var res errorResponse
		code := postJSON(t, ts.URL+"/ton-proof/checkProof", req, &res)
		require.Equal(t, http.StatusBadRequest, code)
		require.Equal(t, "invalid proof", res.Error)
	})

	t.Run("malformed body", func(t *testing.T) {
		code := postJSON(t, ts.URL+"/ton-proof/checkProof", map[string]string{"address": "x"}, nil)
		require.Equal(t, http.StatusBadRequest, code)
	})
}

func TestAccountInfoRequiresToken(t *testing.T) {
	ts := newTestServer(t)

	for _, header := range []string{"", "Token abc", "Bearer not-a-jwt"} {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/dapp/getAccountInfo", nil)
		require.NoError(t, err)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, http.StatusUnauthorized, res.StatusCode, header)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	postJSON(t, ts.URL+"/ton-proof/generatePayload", struct{}{}, nil)

	res, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(res.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "tonconnect_server_requests_total")
}

func TestNewValidates(t *testing.T) {
	jwtManager, err := crypto.NewJWTManager("s", time.Hour)
	require.NoError(t, err)

	_, err = New(Config{}, jwtManager)
	require.Error(t, err)
	_, err = New(Config{ProofSecret: []byte("s")}, nil)
	require.Error(t, err)
}
