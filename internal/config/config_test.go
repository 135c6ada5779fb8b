package config_test

import (
	"testing"
	"time"

	"handoff/internal/config"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromViper_Defaults(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)

	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppPort)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 5*time.Minute, cfg.QRTTL)
	assert.Equal(t, 10*time.Minute, cfg.OTPTTL)
	assert.Equal(t, 10*time.Second, cfg.OTPTimeout)
	assert.False(t, cfg.LedgerLenientVerify)
	assert.False(t, cfg.TwilioConfigured())
	assert.Equal(t, "admin", cfg.AdminUsername)
	assert.Empty(t, cfg.AdminPassword)
}

func TestFromViper_Overrides(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.Set("DATABASE_DRIVER", "sqlite")
	v.Set("OTP_TIMEOUT", "2s")
	v.Set("LEDGER_LENIENT_VERIFY", "true")
	v.Set("TWILIO_ACCOUNT_SID", "AC123")
	v.Set("TWILIO_AUTH_TOKEN", "secret")
	v.Set("TWILIO_VERIFY_SERVICE_SID", "VA123")

	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 2*time.Second, cfg.OTPTimeout)
	assert.True(t, cfg.LedgerLenientVerify)
	assert.True(t, cfg.TwilioConfigured())
}

func TestFromViper_Invalid(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.Set("DATABASE_DRIVER", "mysql")
	_, err := config.FromViper(v)
	assert.ErrorContains(t, err, "unsupported DATABASE_DRIVER")

	v = viper.New()
	config.SetDefaults(v)
	v.Set("JWT_SECRET", "")
	_, err = config.FromViper(v)
	assert.ErrorContains(t, err, "JWT_SECRET")
}
