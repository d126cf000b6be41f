package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
)

// Source resolves a single configuration key.
type Source interface {
	Name() string
	Lookup(key string) (string, bool)
}

// Sources is an ordered list; the first source holding a non-empty value wins.
type Sources []Source

func (s Sources) Name() string {
	names := make([]string, len(s))
	for i, src := range s {
		names[i] = src.Name()
	}
	return strings.Join(names, ",")
}

func (s Sources) Lookup(key string) (string, bool) {
	for _, src := range s {
		if v, ok := src.Lookup(key); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// Env reads the process environment.
type Env struct{}

func (Env) Name() string { return "env" }

func (Env) Lookup(key string) (string, bool) { return os.LookupEnv(key) }

// Map is a fixed set of values, used for dotenv files, secrets and tests.
type Map struct {
	Label  string
	Values map[string]string
}

func (m Map) Name() string { return m.Label }

func (m Map) Lookup(key string) (string, bool) {
	v, ok := m.Values[key]
	return v, ok
}

// Dotenv parses a .env file. A missing file yields an empty source.
func Dotenv(path string) (Source, error) {
	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Map{Label: "dotenv", Values: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dotenv %s: %w", path, err)
	}
	return Map{Label: "dotenv:" + path, Values: values}, nil
}

// SecretGetter is the subset of the Secrets Manager client used here.
type SecretGetter interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretGetter builds a Secrets Manager client from the default AWS chain.
func NewSecretGetter(ctx context.Context, region string) (SecretGetter, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// Secret fetches a JSON object secret and exposes its top-level keys.
func Secret(ctx context.Context, client SecretGetter, secretID string) (Source, error) {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", secretID, err)
	}
	raw := aws.ToString(out.SecretString)
	if raw == "" {
		return nil, fmt.Errorf("secret %s has no string value", secretID)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("decode secret %s: %w", secretID, err)
	}
	values := make(map[string]string, len(fields))
	for k, v := range fields {
		switch tv := v.(type) {
		case string:
			values[k] = tv
		case nil:
		default:
			values[k] = fmt.Sprint(tv)
		}
	}
	return Map{Label: "secret:" + secretID, Values: values}, nil
}

// DefaultSources builds env, then the dotenv file, then the optional AWS secret.
// Existing environment values always win over the file.
func DefaultSources(ctx context.Context) (Sources, error) {
	srcs := Sources{Env{}}

	path := os.Getenv("DOTENV_PATH")
	if path == "" {
		path = ".env"
	}
	dot, err := Dotenv(path)
	if err != nil {
		return nil, err
	}
	srcs = append(srcs, dot)

	secretID, _ := srcs.Lookup("E2E_SECRETS_ID")
	if secretID == "" {
		return srcs, nil
	}
	region, _ := srcs.Lookup("AWS_REGION")
	client, err := NewSecretGetter(ctx, region)
	if err != nil {
		return nil, err
	}
	sec, err := Secret(ctx, client, secretID)
	if err != nil {
		return nil, err
	}
	slog.Debug("config: loaded secret source", "secret_id", secretID)
	return append(srcs, sec), nil
}
