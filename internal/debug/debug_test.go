package debug

import "testing"

func TestInitFromEnv(t *testing.T) {
	t.Setenv("SIGNGW_DEBUG", "true")
	InitFromEnv()
	if !Enabled() {
		t.Error("expected tracing enabled with SIGNGW_DEBUG=true")
	}

	t.Setenv("SIGNGW_DEBUG", "")
	t.Setenv("SIGNGW_LOG_LEVEL", "info")
	InitFromEnv()
	if Enabled() {
		t.Error("expected tracing disabled at info level")
	}
}

func TestInitFromConfig(t *testing.T) {
	t.Setenv("SIGNGW_DEBUG", "")
	t.Setenv("SIGNGW_LOG_LEVEL", "")

	InitFromConfig("info", true)
	if !Enabled() {
		t.Error("expected verbose emulator to enable tracing")
	}

	InitFromConfig("warn", false)
	if Enabled() {
		t.Error("expected tracing disabled")
	}

	t.Setenv("SIGNGW_DEBUG", "true")
	SetEnabled(true)
	InitFromConfig("warn", false)
	if !Enabled() {
		t.Error("environment should take precedence over config")
	}
}
