// Command host demonstrates driving a tool server end to end: it spawns the
// echoserver example as a subprocess, runs the capability handshake, prints
// the advertised tools, and calls echo_text once.
//
// Build the echoserver binary first, then run:
//
//	go build -o /tmp/echoserver ./example/echoserver
//	go run ./example/host -server /tmp/echoserver
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/appforge-dev/toolhost"
)

func main() {
	serverBin := flag.String("server", "", "path to the echoserver binary")
	flag.Parse()
	if *serverBin == "" {
		fmt.Fprintln(os.Stderr, "usage: host -server <path-to-echoserver>")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	client := toolhost.NewClient(
		toolhost.Info{Name: "toolhost-example", Version: "0.1.0"},
		toolhost.WithLogger(logger),
		toolhost.WithRequestTimeout(10*time.Second),
	)
	defer client.Close()

	id, err := client.RegisterServer(toolhost.ServerConfig{
		Name:    "echo",
		Command: *serverBin,
	})
	if err != nil {
		logger.Error("failed to register server", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Connect(ctx, id); err != nil {
		logger.Error("failed to connect", "err", err)
		os.Exit(1)
	}

	for _, st := range client.AllTools() {
		fmt.Printf("%s/%s\t%s\n", st.ServerName, st.Tool.Name, st.Tool.Description)
	}

	result, err := client.CallTool(ctx, id, "echo_text", map[string]string{"text": "hello from the host"})
	if err != nil {
		logger.Error("call failed", "err", err)
		os.Exit(1)
	}
	for _, content := range result.Content {
		if content.Type == "text" {
			fmt.Println(content.Text)
		}
	}
}
