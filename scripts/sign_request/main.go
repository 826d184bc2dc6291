package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"asyncdb/internal/agent"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: go run ./scripts/sign_request <secret> <query> [args-json]")
		fmt.Println(`Example: go run ./scripts/sign_request mysecret "SELECT * FROM users WHERE id > ?" '[10]'`)
		os.Exit(1)
	}

	cmd := agent.JobCommand{
		ID:    uuid.New().String(),
		Query: os.Args[2],
	}
	if len(os.Args) > 3 {
		if err := json.Unmarshal([]byte(os.Args[3]), &cmd.Args); err != nil {
			fmt.Printf("Invalid args JSON: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cmd.Sign(os.Args[1], time.Now()); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.Marshal(cmd)
	fmt.Println(string(out))
}
