package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/vikashloomba/mcp-stdio-manager-go/pkg/mcpmgr"
)

func main() {
	command := "./echo-server"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	manager := mcpmgr.NewManager(&mcpmgr.ManagerOptions{DefaultClientName: "manager-example"})
	manager.OnServerRemoved(func(serverID string, err error) {
		if err != nil {
			log.Printf("server %s exited: %v", serverID, err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := manager.ConnectServer(ctx, mcpmgr.ServerConfig{
		Name:             "echo",
		Command:          command,
		HandshakeTimeout: 10 * time.Second,
	}); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer func() {
		if err := manager.DisconnectAll(context.Background()); err != nil {
			fmt.Printf("disconnect error: %v\n", err)
		}
	}()

	for _, summary := range manager.GetServerSummaries() {
		fmt.Printf("Configured server: %s\n", summary.ID)
		fmt.Printf("Status: %s (pid %d, %d tools)\n", summary.Status, summary.Pid, summary.ToolCount)
	}

	result, err := manager.ExecuteTool(ctx, "echo", "echo", map[string]any{"text": "hello from manager-example"})
	if err != nil {
		log.Fatalf("call: %v", err)
	}
	fmt.Printf("structured result: %v\n", result.StructuredContent)
}
