package server

import "time"

type Config struct {
	MongoURI    string
	MongoDB     string
	KeystoreDir string

	// KeySealKey protects device private keys at rest, KitSealKey protects
	// escrowed recovery shares. 32 bytes each; they must differ.
	KeySealKey []byte
	KitSealKey []byte

	JWTIssuer  string
	TokenTTL   time.Duration
	PairingTTL time.Duration
	KitTTL     time.Duration
}

func (c *Config) setDefaults() {
	if c.KeystoreDir == "" {
		c.KeystoreDir = "./keystore"
	}
	if c.JWTIssuer == "" {
		c.JWTIssuer = "quankey-backend"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 15 * time.Minute
	}
	if c.PairingTTL <= 0 {
		c.PairingTTL = 90 * time.Second
	}
	if c.KitTTL <= 0 {
		c.KitTTL = 365 * 24 * time.Hour
	}
}
