package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Route is one egress path as written in the routes file. Password is only
// populated from PasswordEnv and never read from YAML.
type Route struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
	LocalIP     string `yaml:"local_ip"`
	Password    string `yaml:"-"`
}

// Routes represents the full routes file. Order is the cycling order.
type Routes struct {
	Routes []Route `yaml:"routes"`
}

// LoadRoutes loads the egress routes from the given path. A missing file
// yields a single direct route unless the environment is production-like.
func LoadRoutes(path string) (*Routes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !IsProductionLike(AppEnvironment()) {
			return &Routes{Routes: []Route{{Name: "direct", Kind: "direct"}}}, nil
		}
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}
	var cfg Routes
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse routes file: %w", err)
	}
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		r.Kind = strings.ToLower(strings.TrimSpace(r.Kind))
		if r.Kind == "" {
			r.Kind = "direct"
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("%s-%d", r.Kind, i)
		}
		if r.PasswordEnv != "" {
			r.Password = os.Getenv(r.PasswordEnv)
		}
	}
	if err := validateRoutes(&cfg); err != nil {
		return nil, fmt.Errorf("routes validation failed: %w", err)
	}
	return &cfg, nil
}

func validateRoutes(cfg *Routes) error {
	if len(cfg.Routes) == 0 {
		if IsProductionLike(AppEnvironment()) {
			return fmt.Errorf("at least one route is required in %s", AppEnvironment())
		}
		cfg.Routes = []Route{{Name: "direct", Kind: "direct"}}
		return nil
	}
	for _, r := range cfg.Routes {
		switch r.Kind {
		case "direct":
		case "http", "https", "socks5":
			if r.Host == "" || r.Port <= 0 {
				return fmt.Errorf("route %s: host and port are required for %s", r.Name, r.Kind)
			}
			if r.PasswordEnv != "" && r.Password == "" {
				return fmt.Errorf("route %s: environment variable %s is empty", r.Name, r.PasswordEnv)
			}
		default:
			return fmt.Errorf("route %s: unknown kind %q", r.Name, r.Kind)
		}
	}
	return nil
}
