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
	case "subscriber":
		return subscriberTemplate, nil
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

const nodeTemplate = `name = "trdpd"

[admin]
addr = "127.0.0.1:9180"
cors_origins = ["http://localhost:3000"]

[[publishers]]
com_id = 1000
destination = "239.255.0.1:17224"
ttl = 1
cycle_ms = 100
payload = "Hello TRDP PD"

[[subscribers]]
com_id = 1000
port = 17224
group = "239.255.0.1"

[replier]
enabled = true
port = 17225
uri = "trdpd"

[[replier.routes]]
com_id = 2001
mode = "echo"

[[replier.routes]]
com_id = 2002
mode = "static"
reply = "Reply from TRDP MD"

[requester]
timeout_ms = 5000
source_uri = "trdpd"
`

const subscriberTemplate = `name = "trdp-listener"

[[subscribers]]
com_id = 1000
port = 17224
group = "239.255.0.1"
`
