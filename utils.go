package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Configuration with sane defaults
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	ms, err := strconv.Atoi(value)
	if err != nil || ms <= 0 {
		log.Printf("[WARN] [startup] Ignoring invalid %s=%q", key, value)
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

// UUID Validation
func validateUUID(uuidStr string) error {
	if _, err := uuid.Parse(uuidStr); err != nil {
		return fmt.Errorf("invalid UUID format: %s", uuidStr)
	}
	return nil
}

// Phone number validation for originate destinations. Accepts E.164-ish
// strings: optional leading +, then 3-15 digits.
func validatePhoneNumber(number string) error {
	if number == "" {
		return fmt.Errorf("number cannot be empty")
	}
	digits := strings.TrimPrefix(number, "+")
	if len(digits) < 3 || len(digits) > 15 {
		return fmt.Errorf("invalid number length: %s", number)
	}
	for _, ch := range digits {
		if ch < '0' || ch > '9' {
			return fmt.Errorf("invalid character in number: %s", number)
		}
	}
	return nil
}

// Structured logging helpers. The id is a request ID on the HTTP path and a
// call ID inside the orchestrator.
func logInfo(id, message string) {
	log.Printf("[INFO] [%s] %s", id, message)
}

func logError(id, message string, err error) {
	if err != nil {
		log.Printf("[ERROR] [%s] %s: %v", id, message, err)
	} else {
		log.Printf("[ERROR] [%s] %s", id, message)
	}
}

func logWarn(id, message string) {
	log.Printf("[WARN] [%s] %s", id, message)
}
