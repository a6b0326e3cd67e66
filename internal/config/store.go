package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"

	"github.com/BioHazard786/Huddle/internal/roomcode"
)

// Persisted lists the keys `huddle config set` may write.
var Persisted = []string{
	KeyUsername, KeyLastRoom, KeyServers, KeySTUN, KeyTURN, KeyTURNUser, KeyTURNPass, KeyRelay,
}

// Store reads and writes the user's config file. Only the file's own values
// are touched; flags and environment never leak into it.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Username() (string, error) {
	return s.Get(KeyUsername)
}

func (s *Store) SetUsername(name string) error {
	return s.Set(KeyUsername, name)
}

func (s *Store) LastRoom() (string, error) {
	return s.Get(KeyLastRoom)
}

func (s *Store) SetLastRoom(code string) error {
	return s.Set(KeyLastRoom, roomcode.Normalize(code))
}

// Get returns the persisted value of key, or "" when unset.
func (s *Store) Get(key string) (string, error) {
	v, err := s.read()
	if err != nil {
		return "", err
	}
	switch key {
	case KeyServers, KeySTUN:
		return strings.Join(v.GetStringSlice(key), ","), nil
	}
	return v.GetString(key), nil
}

// Set writes a single key, creating the file and its directory if needed.
func (s *Store) Set(key, value string) error {
	if !slices.Contains(Persisted, key) {
		return fmt.Errorf("config: unknown setting %q", key)
	}
	v, err := s.read()
	if err != nil {
		return err
	}

	switch key {
	case KeyServers, KeySTUN:
		v.Set(key, splitList([]string{value}))
	case KeyRelay:
		v.Set(key, value == "true" || value == "1" || value == "yes")
	default:
		v.Set(key, value)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("config: write %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) read() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil && !notFound(err) {
		return nil, fmt.Errorf("config: read %s: %w", s.path, err)
	}
	return v, nil
}
