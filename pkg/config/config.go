package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Environment
	Env string `mapstructure:"ENV"`

	// Database
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// Factor extraction
	MinFeatureCompleteness float64 `mapstructure:"MIN_FEATURE_COMPLETENESS"`
	BartlettAlpha          float64 `mapstructure:"BARTLETT_ALPHA"`
	MinKMO                 float64 `mapstructure:"MIN_KMO"`
	MinEigenvalue          float64 `mapstructure:"MIN_EIGENVALUE"`
	VarianceTarget         float64 `mapstructure:"VARIANCE_TARGET"`
	MulticollinearityR     float64 `mapstructure:"MULTICOLLINEARITY_R"`

	// Regression validation
	CVGapThreshold float64 `mapstructure:"CV_GAP_THRESHOLD"`
	MinTrackSample int     `mapstructure:"MIN_TRACK_SAMPLE"`

	// Serving
	MinPoolSize int `mapstructure:"MIN_POOL_SIZE"`
	SimilarTopN int `mapstructure:"SIMILAR_TOP_N"`

	// Retraining
	RetrainTimeout time.Duration `mapstructure:"RETRAIN_TIMEOUT"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")

	viper.SetDefault("ENV", "development")
	viper.SetDefault("DATABASE_URL", "")
	viper.SetDefault("MIN_FEATURE_COMPLETENESS", 0.70)
	viper.SetDefault("BARTLETT_ALPHA", 0.05)
	viper.SetDefault("MIN_KMO", 0.6)
	viper.SetDefault("MIN_EIGENVALUE", 1.0)
	viper.SetDefault("VARIANCE_TARGET", 0.60)
	viper.SetDefault("MULTICOLLINEARITY_R", 0.7)
	viper.SetDefault("CV_GAP_THRESHOLD", 0.15)
	viper.SetDefault("MIN_TRACK_SAMPLE", 20)
	viper.SetDefault("MIN_POOL_SIZE", 5)
	viper.SetDefault("SIMILAR_TOP_N", 5)
	viper.SetDefault("RETRAIN_TIMEOUT", 10*time.Minute)

	viper.AutomaticEnv()

	// Missing .env is fine, env vars and defaults still apply
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects threshold combinations that would make a retraining run meaningless.
func (c *Config) Validate() error {
	if c.MinFeatureCompleteness <= 0 || c.MinFeatureCompleteness > 1 {
		return fmt.Errorf("MIN_FEATURE_COMPLETENESS must be in (0,1], got %v", c.MinFeatureCompleteness)
	}
	if c.BartlettAlpha <= 0 || c.BartlettAlpha >= 1 {
		return fmt.Errorf("BARTLETT_ALPHA must be in (0,1), got %v", c.BartlettAlpha)
	}
	if c.MinKMO < 0 || c.MinKMO > 1 {
		return fmt.Errorf("MIN_KMO must be in [0,1], got %v", c.MinKMO)
	}
	if c.VarianceTarget <= 0 || c.VarianceTarget > 1 {
		return fmt.Errorf("VARIANCE_TARGET must be in (0,1], got %v", c.VarianceTarget)
	}
	if c.CVGapThreshold <= 0 {
		return fmt.Errorf("CV_GAP_THRESHOLD must be positive, got %v", c.CVGapThreshold)
	}
	if c.MinTrackSample < 2 {
		return fmt.Errorf("MIN_TRACK_SAMPLE must be at least 2, got %d", c.MinTrackSample)
	}
	if c.MinPoolSize < 1 {
		return fmt.Errorf("MIN_POOL_SIZE must be at least 1, got %d", c.MinPoolSize)
	}
	if c.RetrainTimeout <= 0 {
		return fmt.Errorf("RETRAIN_TIMEOUT must be positive, got %v", c.RetrainTimeout)
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
