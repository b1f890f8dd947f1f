package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "full":
		return fullTemplate, nil
	case "minimal":
		return minimalTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const fullTemplate = `[analysis]
channel = 0
subtract_background = true
only_positive = true
plateau_window = 5

[output]
format = "text"
dir = ""

[server]
addr = ":8087"
cors_origins = ["http://localhost:3000"]
allowed_schemes = ["http", "https", "ssh"]

[watch]
dir = "/data/frap/incoming"
pattern = "*.nd2"
out_dir = "/data/frap/reports"
debounce = "500ms"
initial = true

[batch]
workers = 4

[ssh]
user = "microscope"
key_path = "~/.ssh/id_ed25519"
known_hosts = "~/.ssh/known_hosts"
insecure_skip_host_key = false
timeout = "15s"
`

const minimalTemplate = `[analysis]
channel = 0

[output]
format = "text"
`
