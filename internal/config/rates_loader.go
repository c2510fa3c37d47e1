package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ModeRate struct {
	RequestsPerSec float64 `yaml:"rps"`
	Burst          int     `yaml:"burst"`
}

type GovernorRates struct {
	Idle     ModeRate `yaml:"idle"`
	Upcoming ModeRate `yaml:"upcoming"`
	Active   ModeRate `yaml:"active"`
	// UpcomingWindowMin marks a tournament as "upcoming" when its scheduled
	// start is within this many minutes.
	UpcomingWindowMin int `yaml:"upcoming_window_minutes"`
}

// DefaultGovernorRates applies when no rates file is present.
func DefaultGovernorRates() GovernorRates {
	return GovernorRates{
		Idle:              ModeRate{RequestsPerSec: 0.2, Burst: 1},
		Upcoming:          ModeRate{RequestsPerSec: 1, Burst: 2},
		Active:            ModeRate{RequestsPerSec: 5, Burst: 5},
		UpcomingWindowMin: 120,
	}
}

// LoadGovernorRates reads the mode-rate file. A missing file is not an
// error; the defaults let operators run without one.
func LoadGovernorRates(path string) (GovernorRates, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultGovernorRates(), nil
	}
	if err != nil {
		return GovernorRates{}, fmt.Errorf("read governor rates: %w", err)
	}

	rates := DefaultGovernorRates()
	if err := yaml.Unmarshal(data, &rates); err != nil {
		return GovernorRates{}, fmt.Errorf("parse governor rates: %w", err)
	}

	return rates, nil
}

func (r GovernorRates) UpcomingWindow() time.Duration {
	return time.Duration(r.UpcomingWindowMin) * time.Minute
}
