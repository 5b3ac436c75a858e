// Command echo-server is a minimal stdio MCP server for trying mcpctl:
//
//	mcpctl call echo echo --arg text=hi
//
// with a config entry whose command runs this binary.
package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type echoInput struct {
	Text  string `json:"text" jsonschema:"text to send back"`
	Upper bool   `json:"upper,omitempty" jsonschema:"return the text in upper case"`
}

type echoOutput struct {
	Text string `json:"text"`
}

func echo(_ context.Context, _ *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, echoOutput, error) {
	text := in.Text
	if in.Upper {
		text = strings.ToUpper(text)
	}
	return nil, echoOutput{Text: text}, nil
}

func main() {
	// stdout carries the protocol.
	log.SetOutput(os.Stderr)

	server := mcp.NewServer(&mcp.Implementation{Name: "echo-server", Version: "1.0.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "Send the text back"}, echo)

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		log.Fatalf("echo-server: %v", err)
	}
}
