// mksession issues a session token for a user.
//
// It always prints a SESSION_TOKENS entry (user:bcrypt-hash) for static
// sessions. When REDIS_URL is set the token is also stored as a Redis
// session, so it works immediately against a running server.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/eldtechnologies/concierge/internal/store"
)

func main() {
	userID := flag.String("user", "", "User id the session belongs to")
	token := flag.String("token", "", "Session token (random if empty)")
	ttl := flag.Duration("ttl", store.SessionTTL, "Redis session lifetime")
	revoke := flag.Bool("revoke", false, "Delete the Redis session for -token instead")
	flag.Parse()

	_ = godotenv.Load()
	redisURL := os.Getenv("REDIS_URL")

	if *revoke {
		if *token == "" || redisURL == "" {
			fmt.Fprintln(os.Stderr, "Error: -revoke needs -token and REDIS_URL")
			os.Exit(1)
		}
		rs := connect(redisURL)
		defer rs.Close()
		exitOnError(rs.DeleteSession(context.Background(), *token))
		fmt.Println("Session revoked.")
		return
	}

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "Error: -user is required")
		flag.Usage()
		os.Exit(1)
	}

	if *token == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			panic(err)
		}
		*token = base64.RawURLEncoding.EncodeToString(buf)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*token), bcrypt.DefaultCost)
	exitOnError(err)

	fmt.Printf("Token:          %s\n", *token)
	fmt.Printf("SESSION_TOKENS: %s:%s\n", *userID, hash)

	if redisURL != "" {
		rs := connect(redisURL)
		defer rs.Close()
		exitOnError(rs.CreateSession(context.Background(), *token, *userID, *ttl))
		fmt.Printf("Redis session:  stored for %s\n", ttl.Round(time.Second))
	}
}

func connect(redisURL string) *store.RedisStore {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rs, err := store.NewRedisStore(ctx, redisURL)
	exitOnError(err)
	return rs
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
