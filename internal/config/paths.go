package config

import (
	"os"
	"path/filepath"
	"strings"
)

func BaseDir() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

func ResolvePath(envKey, defaultRel string) string {
	raw := strings.TrimSpace(os.Getenv(envKey))
	if raw != "" {
		return absFromBase(raw)
	}
	return absFromBase(defaultRel)
}

func absFromBase(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(BaseDir(), p)
}

func SettingsPath() string {
	return ResolvePath("DS2API_SETTINGS_PATH", "config.yaml")
}

func WASMPath() string {
	return ResolvePath("DS2API_WASM_PATH", "sha3_wasm_bg.7b9ca65ddd.wasm")
}

func RegistryPath(backend string) string {
	if strings.EqualFold(backend, RegistrySQLite) {
		return ResolvePath("API_KEYS_STORAGE_PATH", "data/api_keys.db")
	}
	return ResolvePath("API_KEYS_STORAGE_PATH", "data/api_keys.json")
}
