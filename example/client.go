// Command client adds a session through a running controld, subscribes to
// config notifications and prints what arrives until interrupted.
package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/Zereker/control"
)

const sessionConfig = `{"ipv4":[{"peer-address":"192.0.2.1","local-interface":"eth0","label":"uplink"}]}`

func main() {
	path := "/var/run/bfdd.sock"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	client, err := control.Dial(path, 5*time.Second)
	if err != nil {
		slog.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	reply, err := client.Subscribe(control.NotifyAll)
	if err != nil {
		slog.Error("subscribe failed", "error", err)
		os.Exit(1)
	}
	slog.Info("subscribed", "status", reply.Status)

	reply, err = client.Add([]byte(sessionConfig))
	if err != nil {
		slog.Error("add failed", "error", err)
		os.Exit(1)
	}
	slog.Info("add session", "status", reply.Status, "error", reply.Error)

	for {
		m, err := client.Receive()
		if err != nil {
			slog.Info("connection ended", "error", err)
			return
		}
		slog.Info("notification", "type", m.Type, "body", string(m.Data))
	}
}
