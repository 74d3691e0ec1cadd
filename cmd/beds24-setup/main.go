package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/booking_sync/beds24"
	"github.com/mmdatafocus/booking_sync/config"
)

func main() {
	action := flag.String("action", "initialize", "One of: initialize (exchange BEDS24_INVITE_CODE for a refresh token), revoke, details.")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall timeout.")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	settings := config.LoadSettings()
	if *action == "initialize" {
		// Setup is opt-in for the service; running this tool is the opt-in.
		settings.Beds24SetupEnabled = true
	}

	config.ConnectRedisWithRetry()
	rdb := config.GetRedisDB()
	if rdb == nil {
		fmt.Fprintln(os.Stderr, "redis not initialized (config.GetRedisDB returned nil)")
		os.Exit(1)
	}
	defer rdb.Close()

	cache := beds24.NewRedisCredentialCache(rdb, "")
	tokens := beds24.NewTokenManagerFromSettings(settings, cache, beds24.NewRedisLocker(config.GetRedisLock()))

	switch *action {
	case "initialize":
		if err := tokens.Initialize(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "initialize failed: %v\n", err)
			os.Exit(1)
		}
		cred, err := cache.Load(ctx)
		if err != nil || cred == nil {
			fmt.Fprintf(os.Stderr, "credential not readable after initialize: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("credential stored for device %q (scopes: %v)\n", cred.DeviceName, cred.Scopes)
	case "revoke":
		if err := tokens.Revoke(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "revoke failed (local credential removed): %v\n", err)
			os.Exit(1)
		}
		fmt.Println("credential revoked")
	case "details":
		details, err := tokens.Details(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "details failed: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(details, "", "  ")
		fmt.Println(string(out))
	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", *action)
		os.Exit(2)
	}
}
