package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProfileInfo represents a profileInfo.
type ProfileInfo struct {
	Filename string `json:"filename"`
	Name     string `json:"name"`
}

// ConnectionProfile is a named connection preset. Robots are often
// shared between benches, so the port and host details live in small
// per-robot YAML files rather than the main configuration.
type ConnectionProfile struct {
	Name   string       `yaml:"name"`
	Method string       `yaml:"method"`
	Serial struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"serial"`
	WiFi struct {
		Hostname string `yaml:"hostname"`
		Port     int    `yaml:"port"`
		WSPath   string `yaml:"ws_path"`
	} `yaml:"wifi"`
}

// ScanProfiles executes the scanProfiles function.
func ScanProfiles(profilesDir string) ([]ProfileInfo, error) {
	profiles := []ProfileInfo{}
	if profilesDir == "" {
		return profiles, nil
	}

	_ = filepath.WalkDir(profilesDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d == nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".yaml") {
			return nil
		}
		profile, err := ReadProfile(path)
		name := d.Name()
		if err == nil && profile.Name != "" {
			name = profile.Name
		}
		profiles = append(profiles, ProfileInfo{Filename: d.Name(), Name: name})
		return nil
	})

	return profiles, nil
}

// ReadProfile executes the readProfile function.
func ReadProfile(path string) (ConnectionProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConnectionProfile{}, err
	}
	var profile ConnectionProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return ConnectionProfile{}, err
	}
	if profile.Name == "" {
		profile.Name = strings.TrimSuffix(filepath.Base(path), ".yaml")
	}
	return profile, nil
}

// ApplyProfile overlays a connection profile onto the configuration.
// Only fields the profile sets are replaced.
func ApplyProfile(cfg *Config, profile ConnectionProfile) {
	if profile.Method != "" {
		cfg.Method = profile.Method
	}
	if profile.Serial.Port != "" {
		cfg.Serial.Port = profile.Serial.Port
	}
	if profile.Serial.Baud != 0 {
		cfg.Serial.Baud = profile.Serial.Baud
	}
	if profile.WiFi.Hostname != "" {
		cfg.WiFi.Hostname = profile.WiFi.Hostname
	}
	if profile.WiFi.Port != 0 {
		cfg.WiFi.Port = profile.WiFi.Port
	}
	if profile.WiFi.WSPath != "" {
		cfg.WiFi.WSPath = profile.WiFi.WSPath
	}
}
