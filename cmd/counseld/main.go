package main

import (
	"log"
	"os"

	"github.com/lawyrs/counsel/internal/server"
)

func main() {
	addr := os.Getenv("COUNSEL_HTTP_ADDR")
	if addr == "" {
		addr = ":8100"
	}

	if err := server.Run(os.Getenv("COUNSEL_CONFIG_FILE"), addr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
