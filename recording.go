package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// RecordingManager persists bridged conversations. Recording is best-effort:
// a -ERR from uuid_record is logged and the call proceeds unrecorded. There
// is no explicit stop; the recording ends when the legs hang up.
type RecordingManager struct {
	esl     ESLClient
	dir     string
	baseURL string
}

func NewRecordingManager(esl ESLClient, dir, baseURL string) *RecordingManager {
	return &RecordingManager{esl: esl, dir: dir, baseURL: baseURL}
}

// Start records both legs into a single mixed file and returns the relative
// filename. The media server mixes the two uuid_record targets writing to
// the same path.
func (m *RecordingManager) Start(ctx context.Context, callID, agentUUID, leadUUID string) string {
	filename := fmt.Sprintf("call_%s_%d.wav", callID, time.Now().UnixMilli())
	path := filepath.Join(m.dir, filename)

	for _, legUUID := range []string{agentUUID, leadUUID} {
		body, err := m.esl.API(ctx, fmt.Sprintf("uuid_record %s start %s", legUUID, path))
		if err != nil {
			logWarn(callID, fmt.Sprintf("Recording start failed on %s: %v", legUUID, err))
			continue
		}
		if isERR(body) {
			logWarn(callID, fmt.Sprintf("Recording start rejected on %s: %s", legUUID, strings.TrimSpace(body)))
		}
	}

	return filename
}

// URL resolves the retrievable location of a recording artifact.
func (m *RecordingManager) URL(filename string) string {
	if filename == "" {
		return ""
	}
	return strings.TrimSuffix(m.baseURL, "/") + "/" + filename
}
