// Package app wires the countersign server from configuration: the sqlite
// store, the credential vault, the backchannel engine, the token minter, and
// the HTTP API on top of them.
package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/latchwell/countersign/internal/api/ciba"
	"github.com/latchwell/countersign/internal/backchannel"
	"github.com/latchwell/countersign/internal/platform/timeouts"
	"github.com/latchwell/countersign/internal/secret"
	"github.com/latchwell/countersign/internal/storage"
	"github.com/latchwell/countersign/internal/storage/sqlite"
	"github.com/latchwell/countersign/internal/token"
	"github.com/latchwell/countersign/internal/vault"
)

const (
	defaultCleanupInterval = 5 * time.Minute
	defaultCleanupRetain   = 24 * time.Hour
)

// Server hosts the countersign HTTP service.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *sqlite.Store
	api        *ciba.Server

	cleanupInterval time.Duration
	cleanupRetain   time.Duration
}

// New creates a configured server listening on cfg.HTTPAddr. It fails fast
// on missing key material so a misconfigured server never comes up with an
// unusable vault.
func New(cfg Config) (*Server, error) {
	sealer, err := newSealer(cfg.VaultKey)
	if err != nil {
		return nil, err
	}
	minter, err := newMinter(cfg)
	if err != nil {
		return nil, err
	}

	providers, err := vault.NewProviderRegistry(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("build provider registry: %w", err)
	}
	clients, err := backchannel.NewClientRegistry(cfg.Clients)
	if err != nil {
		return nil, fmt.Errorf("build client registry: %w", err)
	}

	store, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	vaultService, err := vault.New(vault.Config{
		Grants:      store,
		Credentials: store,
		Audit:       store,
		Providers:   providers,
		Sealer:      sealer,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	engine, err := backchannel.NewEngine(backchannel.EngineConfig{
		Requests:             store,
		Users:                store,
		Audit:                store,
		Vault:                vaultService,
		Clients:              clients,
		Providers:            providers,
		GrantTTL:             cfg.GrantTTL,
		IgnoreThrottledPolls: cfg.IgnoreThrottledPolls,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if err := seedUsers(store, cfg.Users); err != nil {
		_ = store.Close()
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	apiServer := ciba.NewServer(engine, vaultService, minter)
	mux := http.NewServeMux()
	apiServer.RegisterRoutes(mux)
	handler := ciba.Chain(mux, ciba.RequestID(), ciba.RecoverPanic())

	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}
	cleanupRetain := cfg.CleanupRetain
	if cleanupRetain <= 0 {
		cleanupRetain = defaultCleanupRetain
	}

	return &Server{
		listener:        listener,
		httpServer:      &http.Server{Handler: handler, ReadHeaderTimeout: timeouts.ReadHeader},
		store:           store,
		api:             apiServer,
		cleanupInterval: cleanupInterval,
		cleanupRetain:   cleanupRetain,
	}, nil
}

// Addr returns the listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	s.api.StartCleanup(serverCtx, s.cleanupInterval, s.cleanupRetain)

	log.Printf("countersign server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancelShutdown()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return handleErr(<-serveErr)
	case err := <-serveErr:
		return handleErr(err)
	}
}

func (s *Server) closeStore() {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
}

func newSealer(encodedKey string) (*secret.AESGCMSealer, error) {
	if strings.TrimSpace(encodedKey) == "" {
		return nil, errors.New("vault encryption key is required (set COUNTERSIGN_VAULT_KEY)")
	}
	key, err := decodeBase64(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode vault key: %w", err)
	}
	sealer, err := secret.NewAESGCMSealer(key)
	if err != nil {
		return nil, fmt.Errorf("build vault sealer: %w", err)
	}
	return sealer, nil
}

func newMinter(cfg Config) (*token.Minter, error) {
	if strings.TrimSpace(cfg.TokenPrivateKey) == "" {
		return nil, errors.New("token signing key is required (set COUNTERSIGN_TOKEN_PRIVATE_KEY)")
	}
	privateKey, err := token.PrivateKeyFromBase64(cfg.TokenPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode token private key: %w", err)
	}

	tokenConfig := token.Config{
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		PrivateKey: privateKey,
		TTL:        cfg.TokenTTL,
	}
	if strings.TrimSpace(cfg.TokenPublicKey) != "" {
		publicKey, err := token.PublicKeyFromBase64(cfg.TokenPublicKey)
		if err != nil {
			return nil, fmt.Errorf("decode token public key: %w", err)
		}
		tokenConfig.PublicKey = publicKey
	}

	minter, err := token.New(tokenConfig)
	if err != nil {
		return nil, fmt.Errorf("build token minter: %w", err)
	}
	return minter, nil
}

func openStore(path string) (*sqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "countersign.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func seedUsers(store *sqlite.Store, users []BootstrapUser) error {
	now := time.Now().UTC()
	for _, bootstrap := range users {
		userID := strings.TrimSpace(bootstrap.ID)
		username := strings.TrimSpace(bootstrap.Username)
		if userID == "" || username == "" {
			continue
		}
		displayName := strings.TrimSpace(bootstrap.DisplayName)
		if displayName == "" {
			displayName = username
		}
		record := storage.UserRecord{
			ID:          userID,
			Username:    username,
			DisplayName: displayName,
			CreatedAt:   now,
		}
		if err := store.PutUser(context.Background(), record); err != nil {
			return fmt.Errorf("seed user %s: %w", userID, err)
		}
	}
	return nil
}

func decodeBase64(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if decoded, err := base64.RawStdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
