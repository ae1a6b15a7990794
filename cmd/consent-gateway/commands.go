// ABOUTME: Client-side subcommands: init, health, token, and state
// ABOUTME: health speaks the gRPC health protocol, state reads the HTTP API

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/consent-gateway/internal/auth"
	"github.com/2389/consent-gateway/internal/config"
	"github.com/2389/consent-gateway/internal/gateway"
	"github.com/2389/consent-gateway/internal/store"
)

// defaultTokenTTL is the lifetime of tokens issued by the token command.
const defaultTokenTTL = 30 * 24 * time.Hour

func runInit() error {
	return initConfig(bufio.NewReader(os.Stdin), os.Stdout, getConfigPath(), getDataPath())
}

// initConfig prompts for settings and writes a config file. The generated
// file is parsed and validated before it is written.
func initConfig(reader *bufio.Reader, out io.Writer, defaultConfigPath, dataPath string) error {
	fmt.Fprintln(out, "consent-gateway configuration setup")
	fmt.Fprintln(out, "===================================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	httpAddr := prompt(reader, out, "HTTP address", "localhost:8080")
	grpcAddr := prompt(reader, out, "gRPC health address (empty disables)", "localhost:50051")

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	driver := prompt(reader, out, "Driver (sqlite/sqlite3/bolt/memory)", config.DriverSQLite)
	var dbPath string
	if driver != config.DriverMemory {
		dbPath = prompt(reader, out, "Database path", filepath.Join(dataPath, "consent.db"))
	}

	fmt.Fprintln(out, "\n--- Gating ---")
	pause := prompt(reader, out, "Pause threshold", fmt.Sprint(config.DefaultPauseThreshold))
	resume := prompt(reader, out, "Resume threshold", fmt.Sprint(config.DefaultResumeThreshold))
	analyzerKind := prompt(reader, out, "Analyzer (lexicon/http)", config.AnalyzerLexicon)
	var analyzerURL string
	if analyzerKind == config.AnalyzerHTTP {
		analyzerURL = prompt(reader, out, "Analyzer URL", "")
	}

	fmt.Fprintln(out, "\n--- Auth ---")
	var jwtSecret string
	if yes(prompt(reader, out, "Require API tokens?", "yes")) {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secret)
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	logLevel := prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, out, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# consent-gateway configuration\n")
	cfg.WriteString("# Generated by consent-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	if grpcAddr != "" {
		fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	}
	cfg.WriteString("\ndatabase:\n")
	fmt.Fprintf(&cfg, "  driver: %q\n", driver)
	if dbPath != "" {
		fmt.Fprintf(&cfg, "  path: %q\n", dbPath)
	}
	if jwtSecret != "" {
		cfg.WriteString("\nauth:\n")
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n", jwtSecret)
	}
	cfg.WriteString("\nmonitor:\n")
	fmt.Fprintf(&cfg, "  pause_threshold: %s\n", pause)
	fmt.Fprintf(&cfg, "  resume_threshold: %s\n", resume)
	fmt.Fprintf(&cfg, "  failure_threshold: %d\n", config.DefaultFailureThreshold)
	fmt.Fprintf(&cfg, "  analyzer_timeout: %q\n", config.DefaultAnalyzerTimeout.String())
	cfg.WriteString("\nanalyzer:\n")
	fmt.Fprintf(&cfg, "  kind: %q\n", analyzerKind)
	if analyzerURL != "" {
		fmt.Fprintf(&cfg, "  url: %q\n", analyzerURL)
	}
	cfg.WriteString("\nlogging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if _, err := config.Parse([]byte(cfg.String()), false); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  consent-gateway serve")
	return nil
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if err != nil && input == "" {
		// EOF takes the default
		fmt.Fprintln(out)
		return defaultVal
	}
	if input == "" {
		return defaultVal
	}
	return input
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	status, err := checkHealth(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Println(status)
	return nil
}

// checkHealth queries the gRPC health service, or the HTTP readiness
// endpoint when no gRPC address is configured.
func checkHealth(ctx context.Context, cfg *config.Config) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if cfg.Server.GRPCAddr == "" {
		body, status, err := httpGet(ctx, "http://"+cfg.Server.HTTPAddr+"/health/ready", "")
		if err != nil {
			return "", fmt.Errorf("health check failed: %w", err)
		}
		if status != http.StatusOK {
			return "", fmt.Errorf("not ready: %s", strings.TrimSpace(string(body)))
		}
		return strings.TrimSpace(string(body)), nil
	}

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: gateway.HealthService})
	if err != nil {
		return "", fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return "", fmt.Errorf("unhealthy: %s", resp.GetStatus())
	}
	return "healthy", nil
}

func runToken(args []string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := issueToken(cfg, args)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// issueToken signs a participant token with the configured secret.
func issueToken(cfg *config.Config, args []string) (string, error) {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	participant := fs.String("participant", "", "participant ID to issue the token for")
	ttl := fs.Duration("ttl", defaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return "", err
	}

	if strings.TrimSpace(*participant) == "" {
		return "", fmt.Errorf("--participant is required")
	}
	if *ttl <= 0 {
		return "", fmt.Errorf("--ttl must be positive")
	}
	if !cfg.Auth.Enabled() {
		return "", fmt.Errorf("jwt_secret not configured")
	}
	return auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*participant, *ttl)
}

func runState(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: consent-gateway state CONVERSATION_ID")
	}
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	rec, err := fetchState(ctx, "http://"+cfg.Server.HTTPAddr, os.Getenv("CONSENT_TOKEN"), args[0])
	if err != nil {
		return err
	}
	printRecord(os.Stdout, rec)
	return nil
}

// fetchState reads a conversation's verification record from the API.
func fetchState(ctx context.Context, baseURL, token, conversationID string) (*store.VerificationRecord, error) {
	body, status, err := httpGet(ctx, baseURL+"/api/conversations/"+url.PathEscape(conversationID), token)
	if err != nil {
		return nil, fmt.Errorf("fetching state: %w", err)
	}
	if status != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("status %d: %s", status, e.Error)
		}
		return nil, fmt.Errorf("status %d", status)
	}

	var rec store.VerificationRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}

func printRecord(w io.Writer, rec *store.VerificationRecord) {
	state := "active"
	if rec.IsPaused {
		state = "paused"
	}
	fmt.Fprintf(w, "Conversation: %s\n", rec.ConversationID)
	fmt.Fprintf(w, "Participants: %s, %s\n", rec.ParticipantIDs[0], rec.ParticipantIDs[1])
	fmt.Fprintf(w, "Sending:      %s\n", state)
	if rec.PauseReason != nil {
		fmt.Fprintf(w, "Pause reason: %s\n", *rec.PauseReason)
	}
	fmt.Fprintf(w, "Score:        %d (%s, confidence %.2f)\n",
		rec.CurrentScore.Score, rec.CurrentScore.Status, rec.CurrentScore.Confidence)
	fmt.Fprintf(w, "Messages:     %d\n", rec.MessageCount)
	fmt.Fprintf(w, "History:      %d snapshots\n", len(rec.History))
}

func httpGet(ctx context.Context, target, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}
