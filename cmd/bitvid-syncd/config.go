// Configuration management for bitvid-syncd.
package main

import (
	"flag"
	"os"
	"strings"
	"time"
)

// getEnvOr returns the environment variable value or a default if not set
func getEnvOr(env, defaultValue string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return defaultValue
}

// Config holds runtime configuration coming from environment and CLI flags.
type Config struct {
	Addr    string
	Relays  []string
	Verbose string

	DBPath string

	RelayName        string
	RelayDescription string
	RelayContact     string
	RelaySecKey      string
	RelayIcon        string

	PublishTimeout time.Duration
}

// LoadConfig reads environment variables and flags. Flags override env values.
func LoadConfig() *Config {
	envAddr := getEnvOr("ADDR", ":3337")
	envRelays := os.Getenv("RELAYS")
	envVerbose := os.Getenv("VERBOSE")
	envDBPath := getEnvOr("DB_PATH", "bitvid-sync.db")

	addr := flag.String("addr", envAddr, "address to listen on (env: ADDR)")
	relays := flag.String("relays", envRelays, "comma-separated list of relay URLs to sync from and publish to (env: RELAYS)")
	verbose := flag.String("verbose", envVerbose, "verbose logging control: '1'/'true' for all, 'gateway' for module, 'gateway.Publish,videostore' for specific methods (env: VERBOSE)")
	dbPath := flag.String("db-path", envDBPath, "path to the local state database, empty for in-memory (env: DB_PATH)")

	relayName := flag.String("relay-name", getEnvOr("RELAY_NAME", "bitvid-syncd"), "relay name (env: RELAY_NAME)")
	relayDescription := flag.String("relay-description", os.Getenv("RELAY_DESCRIPTION"), "relay description (env: RELAY_DESCRIPTION)")
	relayContact := flag.String("relay-contact", os.Getenv("RELAY_CONTACT"), "relay contact (env: RELAY_CONTACT)")
	relaySecKey := flag.String("relay-seckey", os.Getenv("RELAY_SECKEY"), "relay secret key (env: RELAY_SECKEY)")
	relayIcon := flag.String("relay-icon", os.Getenv("RELAY_ICON"), "relay icon URL (env: RELAY_ICON)")

	envPublishTimeout := getEnvOr("PUBLISH_TIMEOUT", "7s")
	publishTimeoutVal, err := time.ParseDuration(envPublishTimeout)
	if err != nil {
		publishTimeoutVal = 7 * time.Second
	}
	publishTimeout := flag.Duration("publish-timeout", publishTimeoutVal, "per-relay publish timeout (env: PUBLISH_TIMEOUT)")

	flag.Parse()

	relayList := []string{}
	if *relays != "" {
		for _, u := range strings.Split(*relays, ",") {
			u = strings.TrimSpace(u)
			if u != "" {
				relayList = append(relayList, u)
			}
		}
	}

	return &Config{
		Addr:             *addr,
		Relays:           relayList,
		Verbose:          *verbose,
		DBPath:           *dbPath,
		RelayName:        *relayName,
		RelayDescription: *relayDescription,
		RelayContact:     *relayContact,
		RelaySecKey:      *relaySecKey,
		RelayIcon:        *relayIcon,
		PublishTimeout:   *publishTimeout,
	}
}
