package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// Auth is a database auth file: {"user": ..., "pass": ..., "url": ...}.
type Auth struct {
	User string `json:"user"`
	Pass string `json:"pass"`
	URL  string `json:"url"`
}

// LoadAuth reads a database auth file. The url is required.
func LoadAuth(path string) (Auth, error) {
	var a Auth
	if err := readJSON(path, &a); err != nil {
		return Auth{}, err
	}
	if a.URL == "" {
		return Auth{}, fmt.Errorf("auth file %s: url is required", path)
	}
	return a, nil
}

// WebAuth is a web auth file: {"users": {"<name>": "<bcrypt hash>"}}.
type WebAuth struct {
	Users map[string]string `json:"users"`
}

// LoadWebAuth reads a web auth file and checks every entry is a bcrypt hash.
func LoadWebAuth(path string) (*WebAuth, error) {
	var w WebAuth
	if err := readJSON(path, &w); err != nil {
		return nil, err
	}
	if len(w.Users) == 0 {
		return nil, fmt.Errorf("web auth file %s: no users", path)
	}
	for name, hash := range w.Users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("web auth file %s: user %q: %w", path, name, err)
		}
	}
	return &w, nil
}

// Check reports whether pass matches the stored hash of user.
func (w *WebAuth) Check(user, pass string) bool {
	hash, ok := w.Users[user]
	if !ok {
		// Keep the timing of unknown users close to known ones.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(pass))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dehc"), bcrypt.MinCost)

// HashPassword returns the bcrypt hash stored in a web auth file.
func HashPassword(pass string) (string, error) {
	if pass == "" {
		return "", errors.New("empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
