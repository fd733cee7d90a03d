package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/fieldtrack/internal/location/domain"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// TrackingPolicy tunes how positions are presented to dispatchers. It never
// affects ingestion, rate limiting or freshness classification.
type TrackingPolicy struct {
	LowBatteryPercent  int     `mapstructure:"lowBatteryPercent"`
	HighAccuracyMeters float64 `mapstructure:"highAccuracyMeters"`
	NearbyRadiusKm     float64 `mapstructure:"nearbyRadiusKm"`
	MaxNearbyRadiusKm  float64 `mapstructure:"maxNearbyRadiusKm"`
}

func DefaultTrackingPolicy() TrackingPolicy {
	return TrackingPolicy{
		LowBatteryPercent:  domain.DefaultLowBatteryPercent,
		HighAccuracyMeters: domain.DefaultHighAccuracyMeters,
		NearbyRadiusKm:     10,
		MaxNearbyRadiusKm:  200,
	}
}

type TrackingPolicyHolder struct {
	current atomic.Value // holds TrackingPolicy
}

// NewStaticTrackingPolicyHolder returns a holder that never reloads.
func NewStaticTrackingPolicyHolder(policy TrackingPolicy) *TrackingPolicyHolder {
	holder := &TrackingPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

// NewTrackingPolicyHolder reads tracking.yml and reloads it on change. Missing
// files fall back to defaults; invalid reloads are ignored.
func NewTrackingPolicyHolder(log *zap.Logger) (*TrackingPolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("tracking.config")

	v := viper.New()
	v.SetConfigName("tracking")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/fieldtrack/config")
	v.AddConfigPath("/etc/fieldtrack")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FIELDTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultTrackingPolicy()
	v.SetDefault("tracking.lowBatteryPercent", defaults.LowBatteryPercent)
	v.SetDefault("tracking.highAccuracyMeters", defaults.HighAccuracyMeters)
	v.SetDefault("tracking.nearbyRadiusKm", defaults.NearbyRadiusKm)
	v.SetDefault("tracking.maxNearbyRadiusKm", defaults.MaxNearbyRadiusKm)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	policy, err := readTrackingPolicy(v)
	if err != nil {
		return nil, err
	}
	if err := validateTrackingPolicy(policy); err != nil {
		return nil, err
	}

	holder := NewStaticTrackingPolicyHolder(policy)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := readTrackingPolicy(v)
		if err != nil {
			log.Warn("reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := validateTrackingPolicy(updated); err != nil {
			log.Warn("invalid config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// readTrackingPolicy goes through AllSettings so defaults fill keys the file
// leaves out.
func readTrackingPolicy(v *viper.Viper) (TrackingPolicy, error) {
	var wrapper struct {
		Tracking TrackingPolicy `mapstructure:"tracking"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return TrackingPolicy{}, err
	}
	return wrapper.Tracking, nil
}

func (h *TrackingPolicyHolder) Get() TrackingPolicy {
	if h == nil {
		return DefaultTrackingPolicy()
	}
	return h.current.Load().(TrackingPolicy)
}

func validateTrackingPolicy(p TrackingPolicy) error {
	if p.LowBatteryPercent < 0 || p.LowBatteryPercent > 100 {
		return errors.New("tracking.lowBatteryPercent must be within [0, 100]")
	}
	if p.HighAccuracyMeters <= 0 {
		return errors.New("tracking.highAccuracyMeters must be positive")
	}
	if p.NearbyRadiusKm <= 0 {
		return errors.New("tracking.nearbyRadiusKm must be positive")
	}
	if p.MaxNearbyRadiusKm < p.NearbyRadiusKm {
		return errors.New("tracking.maxNearbyRadiusKm must not be below nearbyRadiusKm")
	}
	return nil
}
