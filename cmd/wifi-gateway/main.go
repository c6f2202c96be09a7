package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"wifi-reward-gateway/internal/bootstrap"
)

func main() {
	fmt.Printf("[%s] [INFO] [bootstrap] starting wifi-gateway...\n", time.Now().Format("2006-01-02 15:04:05.000"))
	if err := bootstrap.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "wifi-gateway failed: %v\n", err)
		os.Exit(1)
	}
}
