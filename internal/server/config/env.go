package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// parseEnv loads a .env file when present and overlays Config fields from
// environment variables. A missing .env file is not an error; explicit
// environment variables win over the file because godotenv does not
// overwrite existing keys.
func parseEnv(config *Config) {
	_ = godotenv.Load()

	if v, ok := os.LookupEnv("DATABASE_DSN"); ok {
		config.DatabaseDSN = v
	}
	if v, ok := os.LookupEnv("MASTER_SECRET"); ok {
		config.MasterSecret = v
	}
	if v, ok := os.LookupEnv("STORAGE_ROOT"); ok {
		config.StorageRoot = v
	}
	if v, ok := os.LookupEnv("STREAMING_THRESHOLD"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.StreamingThreshold = n
		}
	}
	if v, ok := os.LookupEnv("MAX_FILE_SIZE"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.MaxFileSize = n
		}
	}
	if v, ok := os.LookupEnv("SWEEP_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			config.SweepInterval = d
		}
	}
	if v, ok := os.LookupEnv("SWEEP_BATCH_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			config.SweepBatchSize = n
		}
	}
	if v, ok := os.LookupEnv("DOWNLOAD_TOKEN_VALIDITY"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			config.DownloadTokenValidity = d
		}
	}
	if v, ok := os.LookupEnv("WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			config.Workers = n
		}
	}
	if v, ok := os.LookupEnv("S3_ROOT_USER"); ok {
		config.S3RootUser = v
	}
	if v, ok := os.LookupEnv("S3_ROOT_PASSWORD"); ok {
		config.S3RootPassword = v
	}
	if v, ok := os.LookupEnv("S3_BUCKET"); ok {
		config.S3Bucket = v
	}
	if v, ok := os.LookupEnv("S3_REGION"); ok {
		config.S3Region = v
	}
	if v, ok := os.LookupEnv("S3_BASE_ENDPOINT"); ok {
		config.S3BaseEndpoint = v
	}
}
