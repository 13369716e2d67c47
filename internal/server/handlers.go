package server

import (
	"net/http"

	"github.com/bhandras/tonconnect/pkg/logger"
	"github.com/bhandras/tonconnect/pkg/tonproof"
	"github.com/bhandras/tonconnect/pkg/wire"
	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Error string `json:"error"`
}

type payloadResponse struct {
	Payload string `json:"payload"`
}

// CheckProofRequest is the body of POST /ton-proof/checkProof.
type CheckProofRequest struct {
	Address   string       `json:"address" binding:"required"`
	Network   wire.Network `json:"network" binding:"required"`
	PublicKey string       `json:"public_key" binding:"required"`
	Proof     ProofBody    `json:"proof" binding:"required"`
}

// ProofBody is the proof part of CheckProofRequest.
type ProofBody struct {
	Timestamp int64            `json:"timestamp"`
	Domain    wire.ProofDomain `json:"domain"`
	Signature string           `json:"signature"`
	Payload   string           `json:"payload"`
	StateInit string           `json:"state_init"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// AccountInfo is returned by GET /dapp/getAccountInfo.
type AccountInfo struct {
	Address  string       `json:"address"`
	Friendly string       `json:"friendly"`
	Network  wire.Network `json:"network"`
}

// generatePayload issues a fresh challenge.
// POST /ton-proof/generatePayload
func (s *Server) generatePayload(c *gin.Context) {
	payload, err := tonproof.CreatePayload(s.cfg.ProofSecret, s.cfg.PayloadTTL)
	if err != nil {
		logger.Errorf("Failed to create proof payload: %v", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to create payload"})
		return
	}
	c.JSON(http.StatusOK, payloadResponse{Payload: payload})
}

// checkProof verifies a proof over a challenge issued by this backend.
// POST /ton-proof/checkProof
func (s *Server) checkProof(c *gin.Context) {
	var req CheckProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := tonproof.VerifyPayload(s.cfg.ProofSecret, req.Proof.Payload); err != nil {
		proofChecks.WithLabelValues("bad_payload").Inc()
		logger.Debugf("Rejected proof payload from %s: %v", req.Address, err)
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid payload"})
		return
	}

	proof := tonproof.TonProof{
		Address:         req.Address,
		Network:         req.Network,
		PublicKey:       req.PublicKey,
		WalletStateInit: req.Proof.StateInit,
		Proof: wire.TonProofReply{
			Timestamp: req.Proof.Timestamp,
			Domain:    req.Proof.Domain,
			Signature: req.Proof.Signature,
			Payload:   req.Proof.Payload,
		},
	}
	if err := proof.Verify(c.Request.Context(), s.cfg.Verify); err != nil {
		proofChecks.WithLabelValues("bad_proof").Inc()
		logger.Debugf("Rejected proof from %s: %v", req.Address, err)
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid proof"})
		return
	}

	addr, err := tonproof.ParseAddress(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid address"})
		return
	}

	token, err := s.jwt.CreateToken(addr.StringRaw(), string(req.Network))
	if err != nil {
		logger.Errorf("Failed to create token: %v", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to create token"})
		return
	}

	proofChecks.WithLabelValues("ok").Inc()
	logger.Infof("Verified wallet %s on %s", addr.StringRaw(), req.Network)
	c.JSON(http.StatusOK, tokenResponse{Token: token})
}

// getAccountInfo returns the wallet bound to the bearer token.
// GET /dapp/getAccountInfo
func (s *Server) getAccountInfo(c *gin.Context) {
	claims, ok := claimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	addr, err := tonproof.ParseAddress(claims.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid address in token"})
		return
	}
	network := wire.Network(claims.Network)
	addr.SetTestnetOnly(network == wire.Testnet)

	c.JSON(http.StatusOK, AccountInfo{
		Address:  addr.StringRaw(),
		Friendly: addr.String(),
		Network:  network,
	})
}
