package config

import (
	"flag"
	"os"
	"time"

	"github.com/docuvert/docuvert/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-s string   master secret (PBKDF2 + download token signing)
//	-o string   storage root directory
//	-t int      download token validity, minutes
//	-i int      sweep interval, minutes
//	-w int      worker count
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components. Duration
// flags are accepted as integers in minutes.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-s", "-o", "-t", "-i", "-w", "-u", "-p", "-b", "-g", "-e"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.MasterSecret, "s", config.MasterSecret, "master secret")
	fs.StringVar(&config.StorageRoot, "o", config.StorageRoot, "storage root directory")

	tokenValidity := fs.Int("t", int(config.DownloadTokenValidity.Minutes()), "download token validity (in minutes)")
	sweepInterval := fs.Int("i", int(config.SweepInterval.Minutes()), "cleanup sweep interval (in minutes)")

	fs.IntVar(&config.Workers, "w", config.Workers, "worker count")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.DownloadTokenValidity = time.Duration(*tokenValidity) * time.Minute
	config.SweepInterval = time.Duration(*sweepInterval) * time.Minute
}
