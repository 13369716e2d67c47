// Package server is a small dApp backend that issues TonProof challenges,
// checks proofs and hands out bearer tokens for verified wallets.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bhandras/tonconnect/internal/crypto"
	"github.com/bhandras/tonconnect/pkg/logger"
	"github.com/bhandras/tonconnect/pkg/tonproof"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds graceful shutdown in Run.
const shutdownTimeout = 5 * time.Second

// Config configures the backend.
type Config struct {
	// ProofSecret signs challenge payloads.
	ProofSecret []byte
	// PayloadTTL is the lifetime of an issued challenge.
	PayloadTTL time.Duration
	// Verify is passed to every proof check.
	Verify tonproof.VerifyOptions
	// AllowedOrigins feeds the CORS middleware.
	AllowedOrigins []string
}

// Server serves the proof endpoints.
type Server struct {
	cfg    Config
	jwt    *crypto.JWTManager
	router *gin.Engine
}

// New builds the router.
func New(cfg Config, jwtManager *crypto.JWTManager) (*Server, error) {
	if len(cfg.ProofSecret) == 0 {
		return nil, errors.New("missing proof secret")
	}
	if jwtManager == nil {
		return nil, errors.New("missing jwt manager")
	}
	if cfg.PayloadTTL <= 0 {
		cfg.PayloadTTL = 15 * time.Minute
	}

	s := &Server{cfg: cfg, jwt: jwtManager}

	router := gin.New()
	router.Use(gin.Recovery())

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
		corsCfg.AllowCredentials = true
	}
	router.Use(cors.New(corsCfg))
	router.Use(loggingMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	proof := router.Group("/ton-proof")
	{
		proof.POST("/generatePayload", s.generatePayload)
		proof.POST("/checkProof", s.checkProof)
	}

	dapp := router.Group("/dapp")
	dapp.Use(authMiddleware(jwtManager))
	{
		dapp.GET("/getAccountInfo", s.getAccountInfo)
	}

	s.router = router
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Proof backend listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}
