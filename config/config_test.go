package config

import (
	"os"
	"testing"
)

func clearDatabaseEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"DATABASE_TYPE", "ENVIRONMENT", "DATABASE_URL"} {
		old, had := os.LookupEnv(key)
		_ = os.Unsetenv(key)
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(key, old)
			}
		})
	}
}

func TestLoad_DatabaseTypeDefaultsByEnvironment(t *testing.T) {
	cases := []struct {
		environment string
		want        string
	}{
		{"", DatabaseEmbedded},
		{"dev", DatabaseEmbedded},
		{"test", DatabaseMemory},
		{"prod", DatabaseNetwork},
	}
	for _, tc := range cases {
		func() {
			clearDatabaseEnv(t)
			if tc.environment != "" {
				t.Setenv("ENVIRONMENT", tc.environment)
			}
			if tc.want == DatabaseNetwork {
				t.Setenv("DATABASE_URL", "postgres://example/db")
			}
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load(environment=%q): %v", tc.environment, err)
			}
			if cfg.DatabaseType != tc.want {
				t.Fatalf("environment=%q: want database_type %q, got %q", tc.environment, tc.want, cfg.DatabaseType)
			}
		}()
	}
}

func TestLoad_ExplicitDatabaseTypeOverridesEnvironmentDefault(t *testing.T) {
	clearDatabaseEnv(t)
	t.Setenv("ENVIRONMENT", "prod")
	t.Setenv("DATABASE_TYPE", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseType != DatabaseMemory {
		t.Fatalf("explicit DATABASE_TYPE should win over environment default, got %q", cfg.DatabaseType)
	}
}

func TestLoad_RejectsUnknownDatabaseType(t *testing.T) {
	clearDatabaseEnv(t)
	t.Setenv("DATABASE_TYPE", "mongo")

	if _, err := Load(""); err == nil {
		t.Fatal("expected Load to reject an unsupported database_type")
	}
}

func TestLoad_NetworkRequiresDatabaseURL(t *testing.T) {
	clearDatabaseEnv(t)
	t.Setenv("DATABASE_TYPE", "network")

	if _, err := Load(""); err == nil {
		t.Fatal("expected Load to require database_url when database_type=network")
	}
}
