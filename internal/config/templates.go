package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatTOML:
		return tomlTemplate, nil
	case FormatYAML, "yml":
		return yamlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config format: %s", format)
	}
}

func WriteTemplate(path, format string, overwrite bool) error {
	template, err := Template(format)
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

const tomlTemplate = `name = "linkctl"
status_addr = ":9400"
cors_origins = ["http://localhost:3000"]
catalog = "catalog.toml"

[[interface]]
name = "inst_int"
targets = ["inst"]
auto_reconnect = true

  [interface.reconnect]
  initial_delay = "250ms"
  multiplier = 2.0
  max_delay = "5s"
  jitter = true

  [interface.transport]
  type = "tcp"
  address = "127.0.0.1:8080"
  connect_timeout = "5s"

  [[interface.stage]]
  type = "length"
  direction = "read_write"
    [interface.stage.params]
    length_bit_offset = 32
    length_bit_size = 16
    length_value_offset = 6
    sync_pattern = "0x1ACFFC1D"
    fill_fields = true
    max_length = 4096

  [[interface.stage]]
  type = "cmd_response"
  direction = "read_write"
    [interface.stage.params]
    response_timeout = "2s"
    response_polling_period = "20ms"

[[interface]]
name = "mqtt_int"
targets = ["inst"]

  [interface.transport]
  type = "mqtt"
  address = "tcp://127.0.0.1:1883"
  read_topic = "inst/tlm"
  write_topic = "inst/cmd"
  qos = 1

  [[interface.stage]]
  type = "preidentified"
    [interface.stage.params]
    mode = "entry"
    format = "json"
`

const yamlTemplate = `name: linkctl
status_addr: ":9400"
cors_origins:
  - http://localhost:3000
catalog: catalog.toml
interfaces:
  - name: inst_int
    targets: [inst]
    transport:
      type: websocket
      address: ws://127.0.0.1:8081/link
    stages:
      - type: cobs
      - type: crc
        params:
          bit_size: 16
          bit_offset: -16
          strip_crc: true
          bad_strategy: DISCONNECT
  - name: serial_bridge
    read_allowed: true
    write_raw_allowed: false
    transport:
      type: udp
      address: 127.0.0.1:5000
      bind_address: 127.0.0.1:5001
    stages:
      - type: terminated
        params:
          read_termination: 0x0D0A
          write_termination: "0D0A"
  - name: log_replay
    targets: [inst]
    write_allowed: false
    transport:
      type: file
      read_folder: replay/in
      archive_folder: replay/done
      read_size: 65536
    stages:
      - type: preidentified
        params:
          mode: legacy
          file: true
`
