package server

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"quankey/internal/audit"
	"quankey/internal/auth"
	"quankey/internal/envelope"
	"quankey/internal/identity"
	"quankey/internal/keys"
	"quankey/internal/pairing"
	"quankey/internal/recovery"
	"quankey/internal/storage"
)

// Store is the full persistence surface the server needs. Both storage.Mongo
// and storage.Memory satisfy it.
type Store interface {
	identity.Store
	envelope.ItemStore
	recovery.KitStore
	Sessions() pairing.SessionStore
}

type Server struct {
	cfg Config

	mux        *http.ServeMux
	signer     *auth.JWTSigner
	challenges *auth.Challenges
	store      Store
	keyMgr     *keys.Manager
	env        *envelope.Engine
	rec        *recovery.Engine
	bridge     *pairing.Bridge
	audit      *audit.Log
	logger     *log.Logger

	mongo *storage.Mongo

	rlSignupIP       *keyedLimiter
	rlChallengeIP    *keyedLimiter
	rlChallengeCred  *keyedLimiter
	rlSignInIP       *keyedLimiter
	rlJoinIP         *keyedLimiter
	rlJoinToken      *keyedLimiter
	rlReconstructIP  *keyedLimiter
	rlReconstructKit *keyedLimiter
}

func New(ctx context.Context, cfg Config) (*Server, error) {
	cfg.setDefaults()
	if cfg.MongoURI == "" {
		return nil, errors.New("server: MongoURI required")
	}
	if cfg.MongoDB == "" {
		return nil, errors.New("server: MongoDB required")
	}

	st, err := storage.NewMongo(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return nil, err
	}
	s, err := newWithStore(cfg, st)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}
	s.mongo = st
	return s, nil
}

// NewInMemory backs the server with the in-process store. Meant for local
// development and tests.
func NewInMemory(cfg Config) (*Server, error) {
	cfg.setDefaults()
	return newWithStore(cfg, storage.NewMemory())
}

func newWithStore(cfg Config, st Store) (*Server, error) {
	if len(cfg.KeySealKey) != 32 || len(cfg.KitSealKey) != 32 {
		return nil, errors.New("server: seal keys must be 32 bytes")
	}
	if bytes.Equal(cfg.KeySealKey, cfg.KitSealKey) {
		return nil, errors.New("server: KeySealKey and KitSealKey must differ")
	}

	ks, err := keys.NewKeystore(cfg.KeystoreDir, cfg.KeySealKey)
	if err != nil {
		return nil, err
	}

	priv, _, err := auth.GenerateEd25519()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		signer:     auth.NewJWTSigner(priv, cfg.JWTIssuer, cfg.TokenTTL),
		challenges: auth.NewChallenges(),
		store:      st,
		audit:      audit.New(),
		logger:     log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile),
	}
	s.keyMgr = keys.NewManager(st, ks)
	s.env = envelope.NewEngine(st, st)
	s.rec = recovery.NewEngine(st, st, s.env, s.keyMgr, cfg.KitSealKey, cfg.KitTTL)
	s.bridge = pairing.NewBridge(st.Sessions(), st, s.env, cfg.PairingTTL)

	s.rlSignupIP = newKeyedLimiter(perWindow(5, time.Minute), 5, 1*time.Hour)

	s.rlChallengeIP = newKeyedLimiter(perWindow(10, time.Minute), 10, 1*time.Hour)
	s.rlChallengeCred = newKeyedLimiter(perWindow(5, time.Minute), 5, 1*time.Hour)
	s.rlSignInIP = newKeyedLimiter(perWindow(10, time.Minute), 10, 1*time.Hour)

	s.rlJoinIP = newKeyedLimiter(perWindow(10, time.Minute), 10, 10*time.Minute)
	s.rlJoinToken = newKeyedLimiter(perWindow(3, time.Minute), 3, 10*time.Minute)

	s.rlReconstructIP = newKeyedLimiter(perWindow(5, 15*time.Minute), 5, 30*time.Minute)
	s.rlReconstructKit = newKeyedLimiter(perWindow(3, 15*time.Minute), 3, 30*time.Minute)

	s.routes()
	return s, nil
}

func (s *Server) Close(ctx context.Context) error {
	if s.mongo != nil {
		return s.mongo.Close(ctx)
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Printf("panic: %v", rec)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()

	s.addDefaultHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	path := r.URL.Path
	if strings.HasPrefix(path, "/api/") {
		if s.isPublic(path) {
			s.mux.ServeHTTP(w, r)
			return
		}
		handler := auth.AuthRequired(s.signer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.mux.ServeHTTP(w, r)
		}))
		handler.ServeHTTP(w, r)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s
}

// isPublic lists the endpoints reachable without a bearer token: enrollment,
// the sign-in ceremony, the joining side of pairing, and recovery (the caller
// has lost every device, so there is nothing to authenticate with).
func (s *Server) isPublic(path string) bool {
	switch path {
	case "/health", "/api/health",
		"/api/signup",
		"/api/signin/challenge", "/api/signin",
		"/api/pair/join", "/api/pair/status",
		"/api/recovery/reconstruct", "/api/recovery/provision":
		return true
	default:
		return false
	}
}

func (s *Server) addDefaultHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	if strings.HasPrefix(r.URL.Path, "/api/") {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
}

// handleFor turns the request's authenticated claims into a live private-key
// handle for the calling device. The bearer token was itself earned by a
// verified passkey assertion, so the token carries the ceremony result.
func (s *Server) handleFor(r *http.Request) (*keys.AuthorizedHandle, *auth.Claims, error) {
	claims, err := auth.MustClaims(r)
	if err != nil {
		return nil, nil, err
	}
	dev, err := s.store.GetDevice(r.Context(), claims.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	h, err := s.keyMgr.AuthorizeUse(r.Context(), keys.Assertion{
		CredentialID: dev.CredentialID,
		UserVerified: true,
	})
	if err != nil {
		return nil, nil, err
	}
	return h, claims, nil
}
