package main

import (
	"strings"
	"time"
)

// Config collects everything the orchestrator and its HTTP surface need.
// Values come from the environment with sane defaults; tests build it directly.
type Config struct {
	Port string

	ESLHost     string
	ESLPort     string
	ESLPassword string

	// SIP gateway used in originate dial strings
	Gateway string
	// Caller ID presented to the lead leg
	DIDNumber string

	RecordingDir     string
	RecordingBaseURL string

	ConnectTimeout     time.Duration
	AgentAnswerTimeout time.Duration
	LeadAnswerTimeout  time.Duration
	EarlyMediaConfirm  time.Duration
	// How long finished calls stay visible on the list/get endpoints
	CallRetention time.Duration

	AuthTokens []string
}

func DefaultConfig() Config {
	return Config{
		Port:               "37275",
		ESLHost:            "localhost",
		ESLPort:            "8021",
		ESLPassword:        "ClueCon",
		Gateway:            "default",
		RecordingDir:       "/var/lib/freeswitch/recordings",
		RecordingBaseURL:   "http://localhost:8080",
		ConnectTimeout:     10 * time.Second,
		AgentAnswerTimeout: 30 * time.Second,
		LeadAnswerTimeout:  60 * time.Second,
		EarlyMediaConfirm:  500 * time.Millisecond,
		CallRetention:      time.Hour,
	}
}

func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	cfg.Port = getEnv("DIALOUT_PORT", cfg.Port)
	cfg.ESLHost = getEnv("ESL_HOST", cfg.ESLHost)
	cfg.ESLPort = getEnv("ESL_PORT", cfg.ESLPort)
	cfg.ESLPassword = getEnv("ESL_PASSWORD", cfg.ESLPassword)
	cfg.Gateway = getEnv("DIALER_GATEWAY", cfg.Gateway)
	cfg.DIDNumber = getEnv("DIALER_DID_NUMBER", cfg.DIDNumber)
	cfg.RecordingDir = getEnv("RECORDING_DIR", cfg.RecordingDir)
	cfg.RecordingBaseURL = getEnv("RECORDING_BASE_URL", cfg.RecordingBaseURL)

	cfg.ConnectTimeout = getEnvMillis("CONNECT_TIMEOUT_MS", cfg.ConnectTimeout)
	cfg.AgentAnswerTimeout = getEnvMillis("AGENT_ANSWER_TIMEOUT_MS", cfg.AgentAnswerTimeout)
	cfg.LeadAnswerTimeout = getEnvMillis("LEAD_ANSWER_TIMEOUT_MS", cfg.LeadAnswerTimeout)
	cfg.EarlyMediaConfirm = getEnvMillis("EARLY_MEDIA_CONFIRM_MS", cfg.EarlyMediaConfirm)
	cfg.CallRetention = getEnvMillis("CALL_RETENTION_MS", cfg.CallRetention)

	if tokens := getEnv("DIALOUT_AUTH_TOKENS", ""); tokens != "" {
		for _, token := range strings.Split(tokens, ",") {
			if trimmed := strings.TrimSpace(token); trimmed != "" {
				cfg.AuthTokens = append(cfg.AuthTokens, trimmed)
			}
		}
	}

	return cfg
}

// ESLAddr returns the host:port of the ESL endpoint.
func (c Config) ESLAddr() string {
	return c.ESLHost + ":" + c.ESLPort
}
