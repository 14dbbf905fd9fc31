package main

import (
	"testing"
	"time"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("DIALOUT_PORT", "9999")
	t.Setenv("ESL_HOST", "fs1.example.com")
	t.Setenv("ESL_PORT", "18021")
	t.Setenv("ESL_PASSWORD", "hunter2")
	t.Setenv("DIALER_GATEWAY", "carrier-a")
	t.Setenv("DIALER_DID_NUMBER", "15550009999")
	t.Setenv("AGENT_ANSWER_TIMEOUT_MS", "12000")
	t.Setenv("EARLY_MEDIA_CONFIRM_MS", "250")
	t.Setenv("DIALOUT_AUTH_TOKENS", "tok-a, tok-b,,")

	cfg := ConfigFromEnv()

	if cfg.Port != "9999" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.ESLAddr() != "fs1.example.com:18021" {
		t.Errorf("ESLAddr = %q", cfg.ESLAddr())
	}
	if cfg.ESLPassword != "hunter2" {
		t.Errorf("ESLPassword = %q", cfg.ESLPassword)
	}
	if cfg.Gateway != "carrier-a" || cfg.DIDNumber != "15550009999" {
		t.Errorf("gateway = %q, did = %q", cfg.Gateway, cfg.DIDNumber)
	}
	if cfg.AgentAnswerTimeout != 12*time.Second {
		t.Errorf("AgentAnswerTimeout = %s", cfg.AgentAnswerTimeout)
	}
	if cfg.EarlyMediaConfirm != 250*time.Millisecond {
		t.Errorf("EarlyMediaConfirm = %s", cfg.EarlyMediaConfirm)
	}
	if len(cfg.AuthTokens) != 2 || cfg.AuthTokens[0] != "tok-a" || cfg.AuthTokens[1] != "tok-b" {
		t.Errorf("AuthTokens = %v", cfg.AuthTokens)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Port != "37275" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.ESLAddr() != "localhost:8021" {
		t.Errorf("ESLAddr = %q", cfg.ESLAddr())
	}
	if cfg.AgentAnswerTimeout != 30*time.Second || cfg.LeadAnswerTimeout != 60*time.Second {
		t.Errorf("answer budgets = %s / %s", cfg.AgentAnswerTimeout, cfg.LeadAnswerTimeout)
	}
	if cfg.EarlyMediaConfirm != 500*time.Millisecond {
		t.Errorf("EarlyMediaConfirm = %s", cfg.EarlyMediaConfirm)
	}
	if cfg.CallRetention != time.Hour {
		t.Errorf("CallRetention = %s", cfg.CallRetention)
	}
	if len(cfg.AuthTokens) != 0 {
		t.Errorf("AuthTokens = %v", cfg.AuthTokens)
	}
}
