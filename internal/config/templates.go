package config

import (
	"fmt"
	"os"
)

func Template() string {
	return bridgeTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(bridgeTemplate), 0o600)
}

const bridgeTemplate = `framing_mode = "framed"
listen_address = "0.0.0.0"
listen_port = 5000

[serial]
port = "/dev/ttyUSB0"
baud = 115200

[reconnect]
enabled = true
max_attempts = 10
initial_delay = "500ms"
max_delay = "10s"
stable_after = "2s"

[client]
write_timeout = "5s"
read_buffer = 4096

[admin]
listen_address = "127.0.0.1:9500"
cors_origins = ["http://localhost:3000"]
`
