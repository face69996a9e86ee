package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// Prints fresh secrets in .env form: an HS256 signing secret and the
// AES-256-GCM key that seals TOTP secrets at rest.
func main() {
	jwtSecret := make([]byte, 32)
	if _, err := rand.Read(jwtSecret); err != nil {
		fmt.Printf("Failed to generate key material: %v\n", err)
		os.Exit(1)
	}
	encryptionKey := make([]byte, 32)
	if _, err := rand.Read(encryptionKey); err != nil {
		fmt.Printf("Failed to generate key material: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- COPY BELOW TO .env.local ---")
	fmt.Printf("JWT_SECRET=%s\n", hex.EncodeToString(jwtSecret))
	fmt.Printf("ENCRYPTION_KEY=%s\n", hex.EncodeToString(encryptionKey))
	fmt.Println("--------------------------------")
}
