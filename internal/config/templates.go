package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node":
		return nodeTemplate, nil
	case "client":
		return clientTemplate, nil
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

const nodeTemplate = `id = "muxd"
listen_addr = ":7400"
admin_addr = "127.0.0.1:7401"
handler = "echo"
cors_origins = ["http://localhost:3000"]

[mux]
max_buffer_size = 32768
buffers_per_channel = 4
read_batch_size = 65536
write_batch_size = 65536
credit_flush_threshold = 1
credit_flush_interval = "10ms"
accept_backlog = 64
write_queue_depth = 256
`

const clientTemplate = `id = "muxcat"
listen_addr = ":0"
admin_addr = ""
handler = "discard"
peers = ["127.0.0.1:7400"]

[mux]
max_buffer_size = 32768
buffers_per_channel = 4

[dial]
min = "100ms"
max = "10s"
factor = 2.0
jitter = true
max_attempts = 5
`
