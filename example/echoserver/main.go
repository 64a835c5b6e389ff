// Command echoserver is a minimal tool server used by the host example. It
// speaks newline-delimited JSON-RPC on stdin/stdout and advertises a single
// echo_text tool that returns its input.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/appforge-dev/toolhost"
)

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	out := bufio.NewWriter(os.Stdout)

	for scanner.Scan() {
		var msg toolhost.JSONRPCMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			fmt.Fprintf(os.Stderr, "discarding malformed frame: %v\n", err)
			continue
		}

		res, handled := handle(msg)
		if !handled {
			continue
		}

		resBs, err := json.Marshal(res)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to marshal response: %v\n", err)
			continue
		}
		resBs = append(resBs, '\n')
		if _, err := out.Write(resBs); err != nil {
			return
		}
		if err := out.Flush(); err != nil {
			return
		}
	}
}

func handle(msg toolhost.JSONRPCMessage) (toolhost.JSONRPCMessage, bool) {
	switch msg.Method {
	case "initialize":
		return result(msg.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      toolhost.Info{Name: "echoserver", Version: "0.1.0"},
		})
	case "notifications/initialized":
		return toolhost.JSONRPCMessage{}, false
	case toolhost.MethodToolsList:
		return result(msg.ID, map[string]any{
			"tools": []toolhost.Tool{
				{
					Name:        "echo_text",
					Description: "Returns the provided text unchanged",
					InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
				},
			},
		})
	case toolhost.MethodToolsCall:
		var params struct {
			Name      string `json:"name"`
			Arguments struct {
				Text string `json:"text"`
			} `json:"arguments"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return errorResult(msg.ID, -32602, "invalid params")
		}
		if params.Name != "echo_text" {
			return errorResult(msg.ID, -32602, "unknown tool "+params.Name)
		}
		return result(msg.ID, toolhost.CallToolResult{
			Content: []toolhost.Content{{Type: "text", Text: params.Arguments.Text}},
		})
	default:
		if msg.ID == "" {
			// Unknown notification, nothing to answer.
			return toolhost.JSONRPCMessage{}, false
		}
		return errorResult(msg.ID, -32601, "method not found")
	}
}

func result(id toolhost.MustString, v any) (toolhost.JSONRPCMessage, bool) {
	vBs, err := json.Marshal(v)
	if err != nil {
		return errorResult(id, -32603, err.Error())
	}
	return toolhost.JSONRPCMessage{
		JSONRPC: toolhost.JSONRPCVersion,
		ID:      id,
		Result:  vBs,
	}, true
}

func errorResult(id toolhost.MustString, code int, message string) (toolhost.JSONRPCMessage, bool) {
	return toolhost.JSONRPCMessage{
		JSONRPC: toolhost.JSONRPCVersion,
		ID:      id,
		Error:   &toolhost.JSONRPCError{Code: code, Message: message},
	}, true
}
