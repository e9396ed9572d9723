package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the dispatcher.
type Config struct {
	Port        string  `yaml:"port"`
	DatabaseURL string  `yaml:"databaseUrl"`
	RedisURL    string  `yaml:"redisUrl"`
	AMQPURL     string  `yaml:"amqpUrl"`
	Exchange    string  `yaml:"exchange"`
	Queue       string  `yaml:"queue"`
	GraphFile   string  `yaml:"graphFile"`
	RoutingURL  string  `yaml:"routingUrl"`
	MigrateDir  string  `yaml:"migrateDir"`
	RateRPS     float64 `yaml:"rateRps"`
	RateBurst   int     `yaml:"rateBurst"`
	Workers     int     `yaml:"workers"`

	// AuthMode is "dev" (token "community:role") or "hmac" (HS256 JWT signed with AuthSecret).
	AuthMode           string `yaml:"authMode"`
	AuthSecret         string `yaml:"-"`
	WebhookURL         string `yaml:"webhookUrl"`
	WebhookSecret      string `yaml:"-"`
	WebhookMaxAttempts int    `yaml:"webhookMaxAttempts"`

	Planner  Planner  `yaml:"planner"`
	Matching Matching `yaml:"matching"`
	Solver   Solver   `yaml:"solver"`
	Stations Stations `yaml:"stations"`
	Jobs     Jobs     `yaml:"jobs"`
}

type Planner struct {
	PadMinutes             int `yaml:"padMinutes"`
	ArrivalOffsetMinutes   int `yaml:"arrivalOffsetMinutes"`
	MinLeadMinutes         int `yaml:"minLeadMinutes"`
	MaxDaysInFuture        int `yaml:"maxDaysInFuture"`
	AlternativeSteps       int `yaml:"alternativeSteps"`
	AlternativeStepMinutes int `yaml:"alternativeStepMinutes"`
}

type Matching struct {
	LookAroundPromiseHours      int `yaml:"lookAroundPromiseHours"`
	LookAroundAvailabilityHours int `yaml:"lookAroundAvailabilityHours"`
	ReservationBufferMinutes    int `yaml:"reservationBufferMinutes"`
}

type Solver struct {
	DrivingTimeFactor        float64 `yaml:"drivingTimeFactor"`
	WheelchairServiceMinutes int     `yaml:"wheelchairServiceMinutes"`
	LoadedArcWeight          float64 `yaml:"loadedArcWeight"`
	GroupPenalty             int     `yaml:"groupPenalty"`
	SlackBaseMinutes         int     `yaml:"slackBaseMinutes"`
	SlackFactor              int     `yaml:"slackFactor"`
	SlackMaxMinutes          int     `yaml:"slackMaxMinutes"`
	SlackSteps               int     `yaml:"slackSteps"`
	ConnectionMarginMinutes  int     `yaml:"connectionMarginMinutes"`
	TransferMinutes          int     `yaml:"transferMinutes"`
	StopSlackMinutes         int     `yaml:"stopSlackMinutes"`
}

type Stations struct {
	SearchRadiusMeters      float64 `yaml:"searchRadiusMeters"`
	SameStopToleranceMeters float64 `yaml:"sameStopToleranceMeters"`
}

type Jobs struct {
	FreezeMarginMinutes int `yaml:"freezeMarginMinutes"`
	SplitMarginMinutes  int `yaml:"splitMarginMinutes"`
	FinishMarginMinutes int `yaml:"finishMarginMinutes"`
	TourRetentionCount  int `yaml:"tourRetentionCount"`
	IntervalMinutes     int `yaml:"intervalMinutes"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:       "8080",
		Exchange:   "ridepool",
		Queue:      "ridepool.inbound",
		MigrateDir: "db/migrations",
		RateRPS:    20,
		RateBurst:  40,
		Workers:    8,
		AuthMode:   "dev",

		WebhookMaxAttempts: 5,
		Planner: Planner{
			PadMinutes:             10,
			ArrivalOffsetMinutes:   5,
			MinLeadMinutes:         30,
			MaxDaysInFuture:        14,
			AlternativeSteps:       3,
			AlternativeStepMinutes: 30,
		},
		Matching: Matching{
			LookAroundPromiseHours:      4,
			LookAroundAvailabilityHours: 12,
			ReservationBufferMinutes:    10,
		},
		Solver: Solver{
			DrivingTimeFactor:        1.2,
			WheelchairServiceMinutes: 2,
			LoadedArcWeight:          0.5,
			GroupPenalty:             1000,
			SlackBaseMinutes:         5,
			SlackFactor:              2,
			SlackMaxMinutes:          30,
			SlackSteps:               3,
			ConnectionMarginMinutes:  10,
			TransferMinutes:          5,
			StopSlackMinutes:         2,
		},
		Stations: Stations{
			SearchRadiusMeters:      1000,
			SameStopToleranceMeters: 30,
		},
		Jobs: Jobs{
			FreezeMarginMinutes: 60,
			SplitMarginMinutes:  30,
			FinishMarginMinutes: 30,
			TourRetentionCount:  1000,
			IntervalMinutes:     5,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path and
// RIDEPOOL_* environment overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.AMQPURL = getEnv("AMQP_URL", c.AMQPURL)
	c.Exchange = getEnv("RIDEPOOL_EXCHANGE", c.Exchange)
	c.Queue = getEnv("RIDEPOOL_QUEUE", c.Queue)
	c.GraphFile = getEnv("RIDEPOOL_GRAPH_FILE", c.GraphFile)
	c.RoutingURL = getEnv("RIDEPOOL_ROUTING_URL", c.RoutingURL)
	c.MigrateDir = getEnv("RIDEPOOL_MIGRATE_DIR", c.MigrateDir)
	c.RateRPS = getFloat("RATE_RPS", c.RateRPS)
	c.RateBurst = getInt("RATE_BURST", c.RateBurst)
	c.Workers = getInt("RIDEPOOL_WORKERS", c.Workers)
	c.AuthMode = strings.ToLower(getEnv("AUTH_MODE", c.AuthMode))
	c.AuthSecret = getEnv("AUTH_HMAC_SECRET", c.AuthSecret)
	c.WebhookURL = getEnv("RIDEPOOL_WEBHOOK_URL", c.WebhookURL)
	c.WebhookSecret = getEnv("RIDEPOOL_WEBHOOK_SECRET", c.WebhookSecret)
	c.WebhookMaxAttempts = getInt("WEBHOOK_MAX_ATTEMPTS", c.WebhookMaxAttempts)

	c.Planner.MinLeadMinutes = getInt("RIDEPOOL_MIN_LEAD_MINUTES", c.Planner.MinLeadMinutes)
	c.Planner.MaxDaysInFuture = getInt("RIDEPOOL_MAX_DAYS_IN_FUTURE", c.Planner.MaxDaysInFuture)
	c.Planner.AlternativeSteps = getInt("RIDEPOOL_ALTERNATIVE_STEPS", c.Planner.AlternativeSteps)
	c.Planner.AlternativeStepMinutes = getInt("RIDEPOOL_ALTERNATIVE_STEP_MINUTES", c.Planner.AlternativeStepMinutes)

	c.Matching.LookAroundPromiseHours = getInt("RIDEPOOL_LOOK_AROUND_PROMISE_HOURS", c.Matching.LookAroundPromiseHours)
	c.Matching.LookAroundAvailabilityHours = getInt("RIDEPOOL_LOOK_AROUND_AVAILABILITY_HOURS", c.Matching.LookAroundAvailabilityHours)

	c.Solver.DrivingTimeFactor = getFloat("RIDEPOOL_DRIVING_TIME_FACTOR", c.Solver.DrivingTimeFactor)
	c.Solver.WheelchairServiceMinutes = getInt("RIDEPOOL_WHEELCHAIR_SERVICE_MINUTES", c.Solver.WheelchairServiceMinutes)

	c.Jobs.FreezeMarginMinutes = getInt("RIDEPOOL_FREEZE_MARGIN_MINUTES", c.Jobs.FreezeMarginMinutes)
	c.Jobs.SplitMarginMinutes = getInt("RIDEPOOL_SPLIT_MARGIN_MINUTES", c.Jobs.SplitMarginMinutes)
	c.Jobs.TourRetentionCount = getInt("RIDEPOOL_TOUR_RETENTION_COUNT", c.Jobs.TourRetentionCount)
}

// Validate rejects settings the solver and planner cannot work with.
func (c Config) Validate() error {
	var errs []error
	if c.Planner.PadMinutes < 0 || c.Planner.ArrivalOffsetMinutes < 0 {
		errs = append(errs, errors.New("planner pads must not be negative"))
	}
	if c.Planner.AlternativeSteps < 0 || (c.Planner.AlternativeSteps > 0 && c.Planner.AlternativeStepMinutes <= 0) {
		errs = append(errs, errors.New("alternative search needs a positive step size"))
	}
	// alternatives must not overlap the primary window; the arrival window is the wider one
	if width := 2*c.Planner.PadMinutes + c.Planner.ArrivalOffsetMinutes; c.Planner.AlternativeSteps > 0 && c.Planner.AlternativeStepMinutes <= width {
		errs = append(errs, fmt.Errorf("alternativeStepMinutes must exceed the widest window of %d minutes, got %d",
			width, c.Planner.AlternativeStepMinutes))
	}
	if c.Solver.DrivingTimeFactor <= 0 {
		errs = append(errs, errors.New("drivingTimeFactor must be positive"))
	}
	if c.Solver.SlackSteps < 1 || c.Solver.SlackSteps > 3 {
		errs = append(errs, fmt.Errorf("slackSteps must be between 1 and 3, got %d", c.Solver.SlackSteps))
	}
	if c.Solver.SlackFactor < 1 {
		errs = append(errs, errors.New("slackFactor must be at least 1"))
	}
	if c.AuthMode != "dev" && c.AuthMode != "hmac" {
		errs = append(errs, fmt.Errorf("authMode must be dev or hmac, got %q", c.AuthMode))
	}
	if c.AuthMode == "hmac" && c.AuthSecret == "" {
		errs = append(errs, errors.New("authMode hmac needs AUTH_HMAC_SECRET"))
	}
	if c.Jobs.TourRetentionCount < 0 {
		errs = append(errs, errors.New("tourRetentionCount must not be negative"))
	}
	return errors.Join(errs...)
}

func Minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
