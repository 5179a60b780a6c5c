package config

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// envFileCandidates lists the dotenv files consulted before the config file.
func envFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv("CAPCLAW_ENV_FILE")); explicit != "" {
		out = append(out, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out,
			filepath.Join(home, ".config", "capclaw", "env"),
			filepath.Join(home, ConfigDir, ".env"),
		)
	}
	return out
}

// LoadEnvFileCandidates loads KEY=VALUE lines from the known env files.
// Variables already present in the process environment win.
func LoadEnvFileCandidates() {
	for _, p := range envFileCandidates() {
		n, err := loadEnvFile(p)
		if err != nil {
			continue
		}
		if n > 0 {
			slog.Debug("Loaded env file", "path", p, "vars", n)
		}
	}
}

func loadEnvFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	loaded := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if os.Setenv(key, val) == nil {
			loaded++
		}
	}
	return loaded, sc.Err()
}

// parseEnvLine accepts `KEY=VALUE`, `export KEY=VALUE` and quoted values.
func parseEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
		val = val[1 : len(val)-1]
	}
	return key, val, true
}
