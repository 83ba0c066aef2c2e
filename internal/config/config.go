package config

import (
	"errors"
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Config is the minimal startup surface: where to bootstrap from and which
// lanzone group this edge belongs to. Everything else (settings, battery
// configs, broker, register map) arrives via bootstrap and the config bus.
type Config struct {
	LogLevel zapcore.Level

	BootstrapURL     string `mapstructure:"bootstrap_url"`
	GroupID          string `mapstructure:"group_id"`
	TickPeriodMillis uint32 `mapstructure:"tick_period_millis"`
	Timezone         string `mapstructure:"timezone"`

	// Optional local register-map file used when bootstrap omits one.
	RegisterMapFile string `mapstructure:"register_map_file"`

	Port    uint `mapstructure:"port"`
	HttpLog bool `mapstructure:"http_log"`
}

// CheckGroupID validates and normalizes the lanzone group id used in the
// config-bus topic.
func CheckGroupID(groupID string) (string, error) {
	lower := strings.ToLower(groupID)
	groupRegexp := regexp.MustCompile("^[a-z0-9_-]+$")
	if !groupRegexp.MatchString(lower) {
		return "", errors.New("invalid group id. can only contain letters, numbers, dashes and underscores")
	}
	return lower, nil
}
