package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	DBFile         string
	APIAddr        string
	BaseURL        string
	UploadsPath    string
	MaxUploadBytes int64
	SendBuffer     int
}

func Load() (*Config, error) {
	maxUpload, err := strconv.ParseInt(getEnv("MAX_UPLOAD_BYTES", "10485760"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES is not a number: %w", err)
	}

	sendBuffer, err := strconv.Atoi(getEnv("SEND_BUFFER", "100"))
	if err != nil {
		return nil, fmt.Errorf("SEND_BUFFER is not a number: %w", err)
	}

	cfg := &Config{
		DBFile:         getEnv("PARLEY_DB", "parley.db"),
		APIAddr:        getEnv("API_ADDR", ":8080"),
		BaseURL:        getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:    getEnv("UPLOADS_PATH", "uploads"),
		MaxUploadBytes: maxUpload,
		SendBuffer:     sendBuffer,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be greater than 0")
	}

	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
