// ABOUTME: Tests for the consent-gateway CLI subcommands
// ABOUTME: Uses temp dirs and httptest servers in place of a running gateway

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consent-gateway/internal/auth"
	"github.com/2389/consent-gateway/internal/config"
	"github.com/2389/consent-gateway/internal/store"
)

func TestInitConfig_WritesValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")

	// Answers in prompt order; blank lines take defaults.
	answers := strings.Join([]string{
		path,             // config path
		"127.0.0.1:9090", // http
		"",               // grpc
		"bolt",           // driver
		filepath.Join(dir, "data", "consent.bolt"),
		"20", // pause
		"",   // resume
		"",   // analyzer
		"",   // auth
		"debug",
		"json",
	}, "\n") + "\n"

	var out bytes.Buffer
	err := initConfig(bufio.NewReader(strings.NewReader(answers)), &out, path, dir)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Config written to")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "localhost:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, config.DriverBolt, cfg.Database.Driver)
	assert.Equal(t, 20, *cfg.Monitor.PauseThreshold)
	assert.Equal(t, config.DefaultResumeThreshold, *cfg.Monitor.ResumeThreshold)
	assert.Equal(t, config.AnalyzerLexicon, cfg.Analyzer.Kind)
	assert.True(t, cfg.Auth.Enabled())
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.DirExists(t, filepath.Join(dir, "data"))
}

func TestInitConfig_RejectsInvalidThresholds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	answers := strings.Join([]string{path, "", "", "memory", "90", "80", "", "no", "", ""}, "\n") + "\n"

	err := initConfig(bufio.NewReader(strings.NewReader(answers)), &bytes.Buffer{}, path, dir)
	assert.ErrorContains(t, err, "generated config is invalid")
	assert.NoFileExists(t, path)
}

func TestIssueToken(t *testing.T) {
	cfg := &config.Config{Auth: config.AuthConfig{JWTSecret: "test-secret-that-is-long-enough"}}

	token, err := issueToken(cfg, []string{"--participant", "alice", "--ttl", "1h"})
	require.NoError(t, err)

	subject, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)

	_, err = issueToken(cfg, nil)
	assert.ErrorContains(t, err, "--participant is required")

	_, err = issueToken(cfg, []string{"--participant", "alice", "--ttl", "-1m"})
	assert.ErrorContains(t, err, "--ttl must be positive")

	_, err = issueToken(&config.Config{}, []string{"--participant", "alice"})
	assert.ErrorContains(t, err, "jwt_secret not configured")
}

func TestFetchState(t *testing.T) {
	reason := "low_score"
	rec := store.VerificationRecord{
		ConversationID:   "c1",
		ParticipantIDs:   [2]string{"alice", "bob"},
		IsPaused:         true,
		PauseReason:      &reason,
		MessageCount:     4,
		MonitoringActive: true,
		CreatedAt:        time.Now().UTC(),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid token"})
			return
		}
		if r.URL.Path != "/api/conversations/c1" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(rec)
	}))
	defer srv.Close()

	got, err := fetchState(t.Context(), srv.URL, "tok", "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ConversationID)
	assert.True(t, got.IsPaused)

	var out bytes.Buffer
	printRecord(&out, got)
	assert.Contains(t, out.String(), "Sending:      paused")
	assert.Contains(t, out.String(), "Pause reason: low_score")
	assert.Contains(t, out.String(), "alice, bob")

	_, err = fetchState(t.Context(), srv.URL, "tok", "missing")
	assert.ErrorContains(t, err, "status 404: not found")

	_, err = fetchState(t.Context(), srv.URL, "", "c1")
	assert.ErrorContains(t, err, "status 401: invalid token")
}

func TestCheckHealth_HTTPFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health/ready" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("ready (2 conversations monitored)\n"))
	}))
	defer srv.Close()

	cfg := &config.Config{Server: config.ServerConfig{HTTPAddr: strings.TrimPrefix(srv.URL, "http://")}}
	status, err := checkHealth(t.Context(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "ready (2 conversations monitored)", status)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LoggingConfig{Level: "warn", Format: "json"})
	logger.Info("hidden")
	logger.With("component", "monitor").Warn("shown", "conversation_id", "c1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "monitor", line["component"])

	buf.Reset()
	text := newLogger(&buf, config.LoggingConfig{Level: "debug"})
	text.WithGroup("req").With("id", "r1").Debug("handled", "status", 200)
	assert.Contains(t, buf.String(), "handled")
	assert.Contains(t, buf.String(), "req.id=")
	assert.Contains(t, buf.String(), "req.status=")
}
