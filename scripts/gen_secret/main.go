package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

func main() {
	// 32 bytes = 256 bits, the HS256 key size
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	secret := hex.EncodeToString(bytes)

	fmt.Println("=== New Agent Secret Generated ===")
	fmt.Println(secret)
	fmt.Println("==================================")
	fmt.Println("1. Set AGENT_SECRET=... in the agent's .env or secret manager.")
	fmt.Println("2. Give the same secret to whatever signs job commands (see scripts/sign_request).")
}
