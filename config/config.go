package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// App is the full process configuration, loaded once at startup.
type App struct {
	// DB
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	// Auth
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
	// Escrow settings
	DepositPctMin   int `envconfig:"DEPOSIT_PCT_MIN" default:"10"`
	DepositPctMax   int `envconfig:"DEPOSIT_PCT_MAX" default:"50"`
	GracePeriodDays int `envconfig:"GRACE_PERIOD_DAYS" default:"7"`
	// Commission fallback for performers whose tier has no configured rate.
	FallbackRateBp        int   `envconfig:"FALLBACK_RATE_BP" default:"1500"`
	FallbackFlatFeeCents  int64 `envconfig:"FALLBACK_FLAT_FEE_CENTS" default:"0"`
	// Scheduler
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"15m"`
	// Network
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	// Notification broker; empty disables the outbox worker.
	AMQPURL string `envconfig:"AMQP_URL"`
}

// EscrowSettings is the validated subset consumed by booking creation and
// the auto-release sweep.
type EscrowSettings struct {
	DepositPctMin   int
	DepositPctMax   int
	GracePeriodDays int
}

func Load() (App, error) {
	var c App
	if err := envconfig.Process("", &c); err != nil {
		return App{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return App{}, err
	}
	return c, nil
}

func (c App) Validate() error {
	if c.DepositPctMin <= 0 || c.DepositPctMax > 100 || c.DepositPctMin > c.DepositPctMax {
		return fmt.Errorf("config: invalid deposit bounds [%d,%d]", c.DepositPctMin, c.DepositPctMax)
	}
	if c.GracePeriodDays < 0 {
		return fmt.Errorf("config: invalid grace period %d", c.GracePeriodDays)
	}
	if c.FallbackRateBp < 0 || c.FallbackRateBp > 10000 {
		return fmt.Errorf("config: invalid fallback rate %d bp", c.FallbackRateBp)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: invalid sweep interval %s", c.SweepInterval)
	}
	return nil
}

func (c App) Escrow() EscrowSettings {
	return EscrowSettings{
		DepositPctMin:   c.DepositPctMin,
		DepositPctMax:   c.DepositPctMax,
		GracePeriodDays: c.GracePeriodDays,
	}
}
