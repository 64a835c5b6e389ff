// Command toolhost is a small host for MCP tool servers. It loads a preset
// file of server definitions, connects to each server, prints the tools they
// advertise, and can invoke a single tool with JSON arguments.
//
// Usage:
//
//	toolhost -config servers.yaml
//	toolhost -config servers.yaml -server github -tool search_repositories -args '{"query":"mcp"}'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/appforge-dev/toolhost"
)

func main() {
	configPath := flag.String("config", "", "Path to the server preset file (required)")
	serverName := flag.String("server", "", "Name of the server to invoke a tool on")
	toolName := flag.String("tool", "", "Name of the tool to invoke")
	toolArgs := flag.String("args", "{}", "JSON arguments for the tool")
	verbose := flag.Bool("v", false, "Enable debug logging")

	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*configPath, *serverName, *toolName, *toolArgs, logger); err != nil {
		logger.Error("toolhost failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath, serverName, toolName, toolArgs string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	presets, err := toolhost.LoadPresets(configPath)
	if err != nil {
		return err
	}

	client := toolhost.NewClient(toolhost.Info{
		Name:    "toolhost",
		Version: "0.1.0",
	}, toolhost.WithLogger(logger))
	defer client.Close()

	ids := make(map[string]string, len(presets))
	for _, cfg := range presets {
		id, err := client.RegisterServer(cfg)
		if err != nil {
			return err
		}
		ids[cfg.Name] = id

		if err := client.Connect(ctx, id); err != nil {
			logger.Error("failed to connect server", "server", cfg.Name, "err", err)
		}
	}

	for _, st := range client.AllTools() {
		fmt.Printf("%s/%s\t%s\n", st.ServerName, st.Tool.Name, st.Tool.Description)
	}

	if toolName == "" {
		return nil
	}

	id, ok := ids[serverName]
	if !ok {
		return fmt.Errorf("unknown server %q", serverName)
	}

	result, err := client.CallTool(ctx, id, toolName, json.RawMessage(toolArgs))
	if err != nil {
		return err
	}
	if result.IsError {
		logger.Warn("tool reported an error", "tool", toolName)
	}
	for _, content := range result.Content {
		switch content.Type {
		case "text":
			fmt.Println(content.Text)
		default:
			fmt.Printf("[%s content, mime type %s]\n", content.Type, content.MimeType)
		}
	}

	return nil
}
