package agent

import (
	"strings"
	"testing"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxTotal != 200 || cfg.DefaultOrgLimit != 10 {
		t.Fatalf("defaults = max %d limit %d, want 200/10", cfg.MaxTotal, cfg.DefaultOrgLimit)
	}
	if cfg.RequeueAttempts != 3 {
		t.Fatalf("requeue attempts = %d, want 3", cfg.RequeueAttempts)
	}
}

func TestConfigFromEnvRejectsNonPositive(t *testing.T) {
	for _, tc := range []struct {
		key, val string
	}{
		{EnvMaxTotal, "-1"},
		{EnvMaxTotal, "0"},
		{EnvDefaultOrgLimit, "0"},
		{EnvDefaultOrgLimit, "5000"},
		{EnvDispatchRetries, "-2"},
		{EnvRequeueAttempts, "-1"},
	} {
		t.Setenv(tc.key, tc.val)
		_, err := ConfigFromEnv()
		if err == nil {
			t.Fatalf("%s=%s: expected error", tc.key, tc.val)
		}
		if !strings.Contains(err.Error(), tc.key) {
			t.Fatalf("%s=%s: error %q does not name the variable", tc.key, tc.val, err)
		}
		t.Setenv(tc.key, "")
	}
}
