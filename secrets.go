package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Secrets are credentials kept out of settings.ini. The tokens override the
// ones in the registration file when set.
type Secrets struct {
	ASToken       string `env:"PSTN_AS_TOKEN"`
	HSToken       string `env:"PSTN_HS_TOKEN"`
	RedisPassword string `env:"PSTN_REDIS_PASSWORD"`
}

// loadEnv loads ENV_FILE, or .env when it is unset, into the environment.
// A missing default file is not an error.
func loadEnv() error {
	if f := os.Getenv("ENV_FILE"); f != "" {
		return godotenv.Load(f)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// LoadSecrets reads the secrets from the environment.
func LoadSecrets() (*Secrets, error) {
	if err := loadEnv(); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	s := &Secrets{}
	if err := env.Parse(s); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return s, nil
}
