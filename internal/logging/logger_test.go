package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("SHIPMENT_TEST_VALUE", "set")
	assert.Equal(t, "set", EnvOrDefault("SHIPMENT_TEST_VALUE", "fallback"))
	assert.Equal(t, "fallback", EnvOrDefault("SHIPMENT_TEST_UNSET", "fallback"))
}
