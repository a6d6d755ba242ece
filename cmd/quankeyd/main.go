package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"quankey/internal/platform"
	"quankey/internal/server"
)

func main() {
	addr := flag.String("addr", envOr("QUANKEY_ADDR", ":8080"), "listen address")
	mem := flag.Bool("mem", false, "use the in-memory store (dev only, data is lost on exit)")
	flag.Parse()

	if err := platform.DisableCoreDumps(); err != nil {
		log.Printf("could not disable core dumps: %v", err)
	}

	cfg := server.Config{
		MongoURI:    os.Getenv("QUANKEY_MONGO_URI"),
		MongoDB:     envOr("QUANKEY_MONGO_DB", "quankey"),
		KeystoreDir: envOr("QUANKEY_KEYSTORE_DIR", "./keystore"),
		JWTIssuer:   os.Getenv("QUANKEY_JWT_ISSUER"),
		TokenTTL:    envDuration("QUANKEY_TOKEN_TTL"),
		PairingTTL:  envDuration("QUANKEY_PAIRING_TTL"),
		KitTTL:      envDuration("QUANKEY_KIT_TTL"),
	}

	var err error
	cfg.KeySealKey, err = sealKey("QUANKEY_KEY_SEAL_KEY", *mem)
	if err != nil {
		log.Fatalf("key seal key: %v", err)
	}
	cfg.KitSealKey, err = sealKey("QUANKEY_KIT_SEAL_KEY", *mem)
	if err != nil {
		log.Fatalf("kit seal key: %v", err)
	}

	ctx := context.Background()
	var s *server.Server
	if *mem {
		s, err = server.NewInMemory(cfg)
	} else {
		s, err = server.New(ctx, cfg)
	}
	if err != nil {
		log.Fatalf("server: %v", err)
	}
	defer s.Close(context.Background())

	log.Printf("quankeyd listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, s.Handler()))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return d
}

// sealKey reads a 64-hex-char key from the environment. In -mem dev mode a
// missing key is generated on the spot, which is fine because the store it
// protects dies with the process anyway.
func sealKey(env string, allowRandom bool) ([]byte, error) {
	if v := os.Getenv(env); v != "" {
		b, err := hex.DecodeString(v)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	if !allowRandom {
		log.Fatalf("%s is required (64 hex chars)", env)
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
