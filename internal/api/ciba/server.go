// Package ciba hosts the HTTP surface of the backchannel authorization flow:
// the client-facing OAuth endpoints, the owner-facing approval and vault
// endpoints, and the agent-facing redemption endpoint.
package ciba

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/latchwell/countersign/internal/backchannel"
	"github.com/latchwell/countersign/internal/token"
	"github.com/latchwell/countersign/internal/vault"
)

// Server hosts backchannel authorization and vault endpoints.
type Server struct {
	engine *backchannel.Engine
	vault  *vault.Service
	tokens *token.Minter
	clock  func() time.Time
}

// NewServer builds a server bound to the engine, the vault, and the token
// minter.
func NewServer(engine *backchannel.Engine, vaultService *vault.Service, tokens *token.Minter) *Server {
	return &Server{
		engine: engine,
		vault:  vaultService,
		tokens: tokens,
		clock:  time.Now,
	}
}

// RegisterRoutes registers HTTP endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}

	mux.HandleFunc("/oauth/bc-authorize", s.handleBackchannelAuthorize)
	mux.HandleFunc("/oauth/token", s.handleToken)
	mux.HandleFunc("/ciba/verify", s.handleVerify)
	mux.HandleFunc("/ciba/authorize", s.handleApprove)
	mux.HandleFunc("/ciba/reject", s.handleDeny)
	mux.HandleFunc("/ciba/requests", s.handleListRequests)
	mux.HandleFunc("/ciba/audit", s.handleListAuditEvents)
	mux.HandleFunc("/vault/credentials", s.handleCredentials)
	mux.HandleFunc("/vault/grants", s.handleListGrants)
	mux.HandleFunc("/vault/grants/revoke", s.handleRevokeGrant)
	mux.HandleFunc("/vault/redeem", s.handleRedeemGrant)
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// StartCleanup starts periodic purging of long-expired request rows.
//
// Correctness never depends on this running; expiry is derived from the
// deadline on every read. The ticker only keeps dead rows from accumulating.
func (s *Server) StartCleanup(ctx context.Context, interval time.Duration, retainFor time.Duration) {
	if s == nil || s.engine == nil || interval <= 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purged, err := s.engine.PurgeExpired(ctx, retainFor)
				if err != nil {
					log.Printf("ciba: purge expired requests: %v", err)
					continue
				}
				if purged > 0 {
					log.Printf("ciba: purged %d expired requests", purged)
				}
			}
		}
	}()
}
