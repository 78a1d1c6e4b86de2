package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled; flag parsing and server startup are skipped in that case.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("squawk %s\n", Version)
		return true
	case "status":
		cliStatus(args[1:])
		return true
	default:
		return false
	}
}

// cliStatus queries the public status endpoint of a running relay and
// prints a short summary. The optional argument is host:port or a full URL.
func cliStatus(args []string) {
	target := "localhost:5000"
	if len(args) > 0 {
		target = args[0]
	}
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}

	status, err := fetchStatus(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error fetching status: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Relay:    %s\n", target)
	fmt.Printf("Uptime:   %s\n", time.Duration(status.Uptime)*time.Second)
	fmt.Printf("Clients:  %d\n", status.TotalClients)
	fmt.Printf("Channels: %d\n", len(status.Channels))
	for _, ch := range status.Channels {
		fmt.Printf("  %s (%d users)\n", ch.Name, ch.UserCount)
	}
}

type statusReply struct {
	Uptime       int64 `json:"uptime"`
	TotalClients int   `json:"totalClients"`
	Channels     []struct {
		Name      string `json:"name"`
		UserCount int    `json:"user_count"`
	} `json:"channels"`
}

func fetchStatus(base string) (*statusReply, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var out statusReply
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &out, nil
}
