// Package config provides configuration management for the execution
// engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/trademaven/algoengine/internal/models"
	"github.com/trademaven/algoengine/internal/strategy"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig  `yaml:"environment"`
	Engine      EngineConfig       `yaml:"engine"`
	Schedule    ScheduleConfig     `yaml:"schedule"`
	Server      ServerConfig       `yaml:"server"`
	Notifier    NotifierConfig     `yaml:"notifier"`
	Deployments []DeploymentConfig `yaml:"deployments"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	Timezone string `yaml:"timezone"`  // e.g. "Asia/Kolkata"
	LogFile  string `yaml:"log_file"`  // empty means stderr only
}

// EngineConfig defines instrument and storage settings.
type EngineConfig struct {
	Instrument      string `yaml:"instrument"`
	CredentialsFile string `yaml:"credentials_file"`
	JournalPath     string `yaml:"journal_path"`
}

// ScheduleConfig defines the default session cutoffs. Deployments may
// override them per strategy.
type ScheduleConfig struct {
	EntryTime        string `yaml:"entry_time"`         // "HH:MM:SS"
	ExitTime         string `yaml:"exit_time"`          // "HH:MM:SS"
	OnesideCheckTime string `yaml:"oneside_check_time"` // "HH:MM:SS"
	ExpiryCheckTime  string `yaml:"expiry_check_time"`  // "HH:MM:SS"
}

// ServerConfig defines the control API listener.
type ServerConfig struct {
	Addr          string `yaml:"addr"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// NotifierConfig defines the Telegram alert channel.
type NotifierConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// UserConfig is one participating account within a deployment.
type UserConfig struct {
	User             string `yaml:"user"`
	Broker           string `yaml:"broker"`
	Quantity         int    `yaml:"quantity"`
	QuantityMultiple []int  `yaml:"quantity_multiple"`
}

// IndexConfig configures one parallel sub-strategy of a delta-shift
// deployment.
type IndexConfig struct {
	DayWise          map[int]DayWiseConfig `yaml:"day_wise"`
	WithoutCheckDays []int                 `yaml:"one_side_without_check_exit"`
	CheckDays        []int                 `yaml:"one_side_check_exit"`
}

// ManualStrikesConfig pins one index's strikes when resuming a
// deployment that already holds positions.
type ManualStrikesConfig struct {
	CEStrike float64 `yaml:"ce_strike"`
	PEStrike float64 `yaml:"pe_strike"`
}

// DayWiseConfig holds the percent OI thresholds for one day to expiry.
type DayWiseConfig struct {
	Change    float64 `yaml:"change"`
	ReentryOI float64 `yaml:"reentry_oi"`
	LessThan  float64 `yaml:"less_than"`
}

// DeltaShiftConfig holds the delta-shift strategy knobs. Zero values
// fall back to the engine defaults.
type DeltaShiftConfig struct {
	Indexes         []IndexConfig `yaml:"indexes"`
	MinDelta        []float64     `yaml:"min_delta"`
	MaxDelta        float64       `yaml:"max_delta"`
	ShiftMinDelta   float64       `yaml:"shift_min_delta"`
	ShiftMaxDelta   float64       `yaml:"shift_max_delta"`
	ShiftEntryDelta float64       `yaml:"shift_entry_delta"`
	Multiplier      float64       `yaml:"multiplier"`
	PointDifference float64       `yaml:"point_difference"`
	SigmaDiff       float64       `yaml:"sigma_diff"`
	SkipPrice       float64       `yaml:"skip_price"`
	BuySlippage     float64       `yaml:"buy_slippage"`
	SellSlippage    float64       `yaml:"sell_slippage"`
	EntrySlippage   float64       `yaml:"entry_slippage"`
	SleepTime       string        `yaml:"sleep_time"`

	// Entered resumes from existing legs instead of placing fresh
	// entries at boot.
	Entered    bool                        `yaml:"entered"`
	ManualLegs map[int]ManualStrikesConfig `yaml:"manual_legs"`
}

// StraddleConfig holds the straddle strategy knobs.
type StraddleConfig struct {
	BuySlippage   float64 `yaml:"buy_slippage"`
	SellSlippage  float64 `yaml:"sell_slippage"`
	EntrySlippage float64 `yaml:"entry_slippage"`
	SkipPrice     float64 `yaml:"skip_price"`
	SleepTime     string  `yaml:"sleep_time"`
}

// DeploymentConfig declares one deployment to start at boot.
type DeploymentConfig struct {
	ID         string            `yaml:"id"`
	Kind       string            `yaml:"kind"` // delta_shift | straddle
	Users      []UserConfig      `yaml:"users"`
	DeltaShift *DeltaShiftConfig `yaml:"delta_shift"`
	Straddle   *StraddleConfig   `yaml:"straddle"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and
// consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Engine.Instrument == "" {
		c.Engine.Instrument = "BANKNIFTY"
	}
	if c.Engine.JournalPath == "" {
		c.Engine.JournalPath = "orders.db"
	}
	if c.Environment.Mode == "live" && c.Engine.CredentialsFile == "" {
		return fmt.Errorf("engine.credentials_file is required in live mode")
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}

	tz := c.Environment.Timezone
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("environment.timezone invalid: %w", err)
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"schedule.entry_time", c.Schedule.EntryTime},
		{"schedule.exit_time", c.Schedule.ExitTime},
		{"schedule.oneside_check_time", c.Schedule.OnesideCheckTime},
		{"schedule.expiry_check_time", c.Schedule.ExpiryCheckTime},
	} {
		if field.value == "" {
			continue
		}
		if _, err := ParseDayTime(field.value); err != nil {
			return fmt.Errorf("%s invalid: %w", field.name, err)
		}
	}

	seen := map[string]bool{}
	for i := range c.Deployments {
		d := &c.Deployments[i]
		if d.ID == "" {
			return fmt.Errorf("deployments[%d].id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate deployment id %q", d.ID)
		}
		seen[d.ID] = true

		if _, err := strategy.ParseKind(d.Kind); err != nil {
			return fmt.Errorf("deployments[%s]: %w", d.ID, err)
		}
		if len(d.Users) == 0 {
			return fmt.Errorf("deployments[%s]: at least one user is required", d.ID)
		}
		for _, u := range d.Users {
			if u.User == "" {
				return fmt.Errorf("deployments[%s]: user name is required", d.ID)
			}
			if u.Quantity <= 0 && len(u.QuantityMultiple) == 0 {
				return fmt.Errorf("deployments[%s]: user %s needs a quantity", d.ID, u.User)
			}
		}
		if d.DeltaShift != nil {
			if d.DeltaShift.SleepTime != "" {
				if _, err := time.ParseDuration(d.DeltaShift.SleepTime); err != nil {
					return fmt.Errorf("deployments[%s].delta_shift.sleep_time invalid: %w", d.ID, err)
				}
			}
			for ii, idx := range d.DeltaShift.Indexes {
				if len(idx.DayWise) == 0 {
					return fmt.Errorf("deployments[%s].delta_shift.indexes[%d]: day_wise is required", d.ID, ii)
				}
			}
		}
		if d.Straddle != nil && d.Straddle.SleepTime != "" {
			if _, err := time.ParseDuration(d.Straddle.SleepTime); err != nil {
				return fmt.Errorf("deployments[%s].straddle.sleep_time invalid: %w", d.ID, err)
			}
		}
	}
	return nil
}

// IsPaperTrading returns true when the engine routes orders to the
// simulated broker.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the configured exchange timezone.
func (c *Config) Location() *time.Location {
	tz := c.Environment.Timezone
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// ParseDayTime parses a "HH:MM:SS" clock value.
func ParseDayTime(s string) (strategy.DayTime, error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return strategy.DayTime{}, err
	}
	return strategy.DayTime{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
}

func dayTimeOrZero(s string) strategy.DayTime {
	t, err := ParseDayTime(s)
	if err != nil {
		return strategy.DayTime{}
	}
	return t
}

// Record converts the deployment's user rows into the registry record.
func (d *DeploymentConfig) Record() models.DeploymentRecord {
	users := make([]models.UserParams, 0, len(d.Users))
	for _, u := range d.Users {
		users = append(users, models.UserParams{
			User:             u.User,
			Broker:           u.Broker,
			Quantity:         u.Quantity,
			QuantityMultiple: u.QuantityMultiple,
		})
	}
	n := 1
	if d.DeltaShift != nil && len(d.DeltaShift.Indexes) > 0 {
		n = len(d.DeltaShift.Indexes)
	}
	return models.DeploymentRecord{UserParams: users, NoOfStrategy: n}
}

// Spec converts the deployment block into the strategy spec, folding in
// the schedule defaults.
func (d *DeploymentConfig) Spec(sched ScheduleConfig) (strategy.Spec, error) {
	kind, err := strategy.ParseKind(d.Kind)
	if err != nil {
		return strategy.Spec{}, err
	}
	spec := strategy.Spec{Kind: kind}

	switch kind {
	case strategy.KindDeltaShift:
		src := d.DeltaShift
		if src == nil {
			return strategy.Spec{}, fmt.Errorf("deployment %s: delta_shift block is required", d.ID)
		}
		p := strategy.DeltaShiftParams{
			Name:             d.ID,
			MinDelta:         src.MinDelta,
			MaxDelta:         src.MaxDelta,
			ShiftMinDelta:    src.ShiftMinDelta,
			ShiftMaxDelta:    src.ShiftMaxDelta,
			ShiftEntryDelta:  src.ShiftEntryDelta,
			Multiplier:       src.Multiplier,
			PointDifference:  src.PointDifference,
			SigmaDiff:        src.SigmaDiff,
			SkipPrice:        src.SkipPrice,
			BuySlippage:      src.BuySlippage,
			SellSlippage:     src.SellSlippage,
			EntrySlippage:    src.EntrySlippage,
			EntryTime:        dayTimeOrZero(sched.EntryTime),
			ExitTime:         dayTimeOrZero(sched.ExitTime),
			OnesideCheckTime: dayTimeOrZero(sched.OnesideCheckTime),
			ExpiryCheckTime:  dayTimeOrZero(sched.ExpiryCheckTime),
			Entered:          src.Entered,
		}
		if len(src.ManualLegs) > 0 {
			p.ManualLegs = map[int]strategy.ManualStrikes{}
			for idx, m := range src.ManualLegs {
				p.ManualLegs[idx] = strategy.ManualStrikes{CEStrike: m.CEStrike, PEStrike: m.PEStrike}
			}
		}
		if src.SleepTime != "" {
			p.SleepTime, _ = time.ParseDuration(src.SleepTime)
		}
		for _, idx := range src.Indexes {
			ip := strategy.IndexParams{
				DayWise:          map[int]strategy.OIThresholds{},
				WithoutCheckDays: idx.WithoutCheckDays,
				CheckDays:        idx.CheckDays,
			}
			for day, th := range idx.DayWise {
				ip.DayWise[day] = strategy.OIThresholds{
					Change:    th.Change,
					ReentryOI: th.ReentryOI,
					LessThan:  th.LessThan,
				}
			}
			p.Indexes = append(p.Indexes, ip)
		}
		spec.DeltaShift = &p

	case strategy.KindStraddle:
		p := strategy.StraddleParams{Name: d.ID}
		if src := d.Straddle; src != nil {
			p.BuySlippage = src.BuySlippage
			p.SellSlippage = src.SellSlippage
			p.EntrySlippage = src.EntrySlippage
			p.SkipPrice = src.SkipPrice
			if src.SleepTime != "" {
				p.SleepTime, _ = time.ParseDuration(src.SleepTime)
			}
		}
		spec.Straddle = &p
	}
	return spec, nil
}
