package config

import (
	"encoding/json"
	"os"

	"github.com/docuvert/docuvert/internal/flagx"
	"github.com/docuvert/docuvert/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "5m" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON
// configuration files. After unmarshalling, its fields are copied into the
// runtime Config struct which uses time.Duration.
type JsonConfig struct {
	DatabaseDSN           string         `json:"database_dsn"`
	MasterSecret          string         `json:"master_secret"`
	StorageRoot           string         `json:"storage_root"`
	StreamingThreshold    int64          `json:"streaming_threshold"`
	MaxFileSize           int64          `json:"max_file_size"`
	SweepInterval         timex.Duration `json:"sweep_interval"`
	SweepBatchSize        int            `json:"sweep_batch_size"`
	DownloadTokenValidity timex.Duration `json:"download_token_validity"`
	Workers               int            `json:"workers"`
	S3RootUser            string         `json:"s3_root_user"`
	S3RootPassword        string         `json:"s3_root_password"`
	S3Bucket              string         `json:"s3_bucket"`
	S3Region              string         `json:"s3_region"`
	S3BaseEndpoint        string         `json:"s3_base_endpoint"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c or -config command-line
// flags; when neither is set, no JSON file is loaded. An unreadable or
// invalid file panics, the server must not start on half-applied config.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	config.DatabaseDSN = c.DatabaseDSN
	config.MasterSecret = c.MasterSecret
	config.StorageRoot = c.StorageRoot
	config.StreamingThreshold = c.StreamingThreshold
	config.MaxFileSize = c.MaxFileSize
	config.SweepInterval = c.SweepInterval.Duration()
	config.SweepBatchSize = c.SweepBatchSize
	config.DownloadTokenValidity = c.DownloadTokenValidity.Duration()
	config.Workers = c.Workers
	config.S3RootUser = c.S3RootUser
	config.S3RootPassword = c.S3RootPassword
	config.S3Bucket = c.S3Bucket
	config.S3Region = c.S3Region
	config.S3BaseEndpoint = c.S3BaseEndpoint
}
