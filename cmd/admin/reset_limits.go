package main

import (
	"context"
	"fmt"
	"os"

	redisclient "github.com/dnanh/opsmem/internal/infra/redis"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: reset_limits <agent_id>")
		os.Exit(1)
	}
	agentID := os.Args[1]

	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/0"
	}

	client, err := redisclient.NewClient(redisclient.Config{URL: url})
	if err != nil {
		panic(err)
	}
	defer client.Close()

	counters := redisclient.NewCounterStore(client)
	n, err := counters.Reset(context.Background(), agentID)
	if err != nil {
		panic(err)
	}

	fmt.Printf("Successfully reset %d rate-limit counters for %s\n", n, agentID)
}
