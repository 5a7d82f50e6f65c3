package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/term"
)

const (
	defaultEndpoint = "http://localhost:7081"
	tokenEnv        = "PEGCTL_TOKEN"
)

// profile is the operator's ~/.pegctl.toml.
type profile struct {
	Endpoint string `toml:"Endpoint"`
	Token    string `toml:"Token"`
	TokenEnv string `toml:"TokenEnv"`
}

func defaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pegctl.toml"
	}
	return filepath.Join(home, ".pegctl.toml")
}

// loadProfile reads path. A missing file yields the defaults.
func loadProfile(path string) (profile, error) {
	p := profile{Endpoint: defaultEndpoint, TokenEnv: tokenEnv}
	if path == "" {
		return p, nil
	}
	if _, err := toml.DecodeFile(path, &p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return profile{Endpoint: defaultEndpoint, TokenEnv: tokenEnv}, nil
		}
		return p, fmt.Errorf("read profile %s: %w", path, err)
	}
	p.Endpoint = strings.TrimRight(strings.TrimSpace(p.Endpoint), "/")
	if p.Endpoint == "" {
		p.Endpoint = defaultEndpoint
	}
	if p.TokenEnv == "" {
		p.TokenEnv = tokenEnv
	}
	return p, nil
}

// resolveToken prefers the flag, then the environment, then the profile, and finally
// prompts when stdin is a terminal.
func resolveToken(flagValue string, p profile) (string, error) {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v, nil
	}
	if v, ok := os.LookupEnv(p.TokenEnv); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}
	if v := strings.TrimSpace(p.Token); v != "" {
		return v, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("api token required; set %s or --token", p.TokenEnv)
	}
	fmt.Fprint(os.Stderr, "pegd API token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", errors.New("api token cannot be empty")
	}
	return token, nil
}
