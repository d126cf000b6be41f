package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/MikeSquared-Agency/vigil/internal/failure"
)

func mapSource(kv map[string]string) Source {
	return Map{Label: "test", Values: kv}
}

func validValues() map[string]string {
	return map[string]string{
		"TELNYX_WEBHOOK_SECRET": "whsec",
		"ADMIN_JWT_SECRET":      "admin",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := Load(mapSource(nil))

	if cfg.APIURL != "http://localhost:8082" {
		t.Errorf("expected default api url, got %s", cfg.APIURL)
	}
	if cfg.OrgID != "11111111-1111-1111-1111-111111111111" {
		t.Errorf("expected default org, got %s", cfg.OrgID)
	}
	if cfg.CustomerPhone != "+15550001234" {
		t.Errorf("expected default customer phone, got %s", cfg.CustomerPhone)
	}
	if cfg.SquareNotificationURL != "http://localhost:8082/webhooks/square" {
		t.Errorf("expected derived notification url, got %s", cfg.SquareNotificationURL)
	}
	if cfg.PollInterval != 600*time.Millisecond {
		t.Errorf("expected 600ms poll interval, got %v", cfg.PollInterval)
	}
	if cfg.SilenceWindow != 6*time.Second {
		t.Errorf("expected 6s silence window, got %v", cfg.SilenceWindow)
	}
	if cfg.MaxAIStep != 45*time.Second {
		t.Errorf("expected 45s latency ceiling, got %v", cfg.MaxAIStep)
	}
	if cfg.HelpReply != DefaultHelpReply {
		t.Errorf("expected default help reply, got %s", cfg.HelpReply)
	}
	if cfg.DepositAmountCents != 5000 {
		t.Errorf("expected 5000 cents, got %d", cfg.DepositAmountCents)
	}
	if cfg.TranscriptSource != "api" {
		t.Errorf("expected api transcript source, got %s", cfg.TranscriptSource)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	cfg := Load(mapSource(map[string]string{
		"API_URL":                 "http://backend:9000/",
		"E2E_ACK_TIMEOUT_MS":      "1500",
		"DEMO_MODE":               "true",
		"E2E_FAIL_ON_AI_LATENCY":  "1",
		"E2E_MAX_AI_STEP_SECONDS": "10",
		"DEPOSIT_AMOUNT_CENTS":    "7500",
		"E2E_TRANSCRIPT_SOURCE":   "Redis",
	}))

	if cfg.APIURL != "http://backend:9000" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.APIURL)
	}
	if cfg.AckTimeout != 1500*time.Millisecond {
		t.Errorf("expected 1.5s ack timeout, got %v", cfg.AckTimeout)
	}
	if !cfg.DemoMode || !cfg.FailOnAILatency {
		t.Error("expected demo mode and strict latency enabled")
	}
	if cfg.MaxAIStep != 10*time.Second {
		t.Errorf("expected 10s ceiling, got %v", cfg.MaxAIStep)
	}
	if cfg.DepositAmountCents != 7500 {
		t.Errorf("expected 7500, got %d", cfg.DepositAmountCents)
	}
	if cfg.TranscriptSource != "redis" {
		t.Errorf("expected lowercased source, got %s", cfg.TranscriptSource)
	}
}

func TestLoad_InvalidNumberFallsBack(t *testing.T) {
	cfg := Load(mapSource(map[string]string{"E2E_TRANSCRIPT_LIMIT": "lots", "DEMO_MODE": "maybe"}))
	if cfg.TranscriptLimit != 500 {
		t.Errorf("expected fallback 500, got %d", cfg.TranscriptLimit)
	}
	if cfg.DemoMode {
		t.Error("expected unparseable bool to fall back to false")
	}
}

func TestValidate(t *testing.T) {
	if err := Load(mapSource(validValues())).Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	missing := Load(mapSource(map[string]string{"ADMIN_JWT_SECRET": "admin"}))
	err := missing.Validate()
	if !errors.Is(err, failure.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}

	vals := validValues()
	vals["E2E_TRANSCRIPT_SOURCE"] = "redis"
	if err := Load(mapSource(vals)).Validate(); !errors.Is(err, failure.ErrConfig) {
		t.Errorf("expected redis without url to fail, got %v", err)
	}

	vals = validValues()
	vals["API_URL"] = "localhost"
	if err := Load(mapSource(vals)).Validate(); !errors.Is(err, failure.ErrConfig) {
		t.Errorf("expected relative api url to fail, got %v", err)
	}
}

func TestSources_FirstWins(t *testing.T) {
	srcs := Sources{
		mapSource(map[string]string{"API_URL": "http://env", "EMPTY": ""}),
		mapSource(map[string]string{"API_URL": "http://file", "EMPTY": "from-file", "ONLY_FILE": "x"}),
	}

	if v, _ := srcs.Lookup("API_URL"); v != "http://env" {
		t.Errorf("expected first source to win, got %s", v)
	}
	if v, _ := srcs.Lookup("EMPTY"); v != "from-file" {
		t.Errorf("expected empty value to fall through, got %s", v)
	}
	if v, _ := srcs.Lookup("ONLY_FILE"); v != "x" {
		t.Errorf("expected later source value, got %s", v)
	}
	if _, ok := srcs.Lookup("MISSING"); ok {
		t.Error("expected missing key to report not found")
	}
}

func TestEnvBeatsDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TEST_CLINIC_PHONE=+10000000000\nTEST_ORG_ID=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_ORG_ID", "from-env")

	dot, err := Dotenv(path)
	if err != nil {
		t.Fatalf("dotenv: %v", err)
	}
	cfg := Load(Sources{Env{}, dot})

	if cfg.OrgID != "from-env" {
		t.Errorf("expected env to win, got %s", cfg.OrgID)
	}
	if cfg.ClinicPhone != "+10000000000" {
		t.Errorf("expected dotenv value, got %s", cfg.ClinicPhone)
	}
}

func TestDotenvMissingFile(t *testing.T) {
	src, err := Dotenv(filepath.Join(t.TempDir(), "absent.env"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if _, ok := src.Lookup("API_URL"); ok {
		t.Error("expected empty source")
	}
}

type fakeSecrets struct {
	value string
	err   error
	gotID string
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.gotID = aws.ToString(in.SecretId)
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(f.value)}, nil
}

func TestSecretSource(t *testing.T) {
	fake := &fakeSecrets{value: `{"TELNYX_WEBHOOK_SECRET":"from-secret","DEPOSIT_AMOUNT_CENTS":6000,"UNUSED":null}`}
	src, err := Secret(context.Background(), fake, "vigil/e2e")
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	if fake.gotID != "vigil/e2e" {
		t.Errorf("expected secret id vigil/e2e, got %s", fake.gotID)
	}

	cfg := Load(Sources{mapSource(map[string]string{"ADMIN_JWT_SECRET": "a"}), src})
	if cfg.TelnyxSecret != "from-secret" {
		t.Errorf("expected secret value, got %s", cfg.TelnyxSecret)
	}
	if cfg.DepositAmountCents != 6000 {
		t.Errorf("expected numeric secret value, got %d", cfg.DepositAmountCents)
	}
	if _, ok := src.Lookup("UNUSED"); ok {
		t.Error("expected null value to be dropped")
	}
}

func TestSecretSourceErrors(t *testing.T) {
	if _, err := Secret(context.Background(), &fakeSecrets{err: errors.New("denied")}, "x"); err == nil {
		t.Error("expected error from client")
	}
	if _, err := Secret(context.Background(), &fakeSecrets{value: "not json"}, "x"); err == nil {
		t.Error("expected decode error")
	}
}
