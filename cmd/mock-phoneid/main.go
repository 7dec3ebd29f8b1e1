package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/mdp18/phoneid-batch/internal/mockphoneid"
)

func main() {
	addr := defaultString("MOCK_PHONEID_ADDR", ":8080")
	customerID := defaultString("MOCK_PHONEID_CUSTOMER_ID", "")
	apiKey := defaultString("MOCK_PHONEID_API_KEY", "")

	fs := flag.NewFlagSet("mock-phoneid", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&customerID, "customer-id", customerID, "Enforce Basic auth with this customer ID (requires -api-key)")
	fs.StringVar(&apiKey, "api-key", apiKey, "Enforce Basic auth with this API key (requires -customer-id)")
	script := fs.String("script", "", "Scripted statuses as phone=503,503,200 pairs separated by spaces")
	_ = fs.Parse(os.Args[1:])

	srv := mockphoneid.New()
	srv.RequireBasicAuth(customerID, apiKey)
	if err := applyScripts(srv, *script); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid -script: %v\n", err)
		os.Exit(2)
	}

	_, _ = fmt.Fprintf(os.Stdout, "mock-phoneid listening on %s\n", addr)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func applyScripts(srv *mockphoneid.Server, raw string) error {
	for _, entry := range strings.Fields(raw) {
		phone, list, ok := strings.Cut(entry, "=")
		if !ok {
			return fmt.Errorf("entry %q must be phone=status[,status...]", entry)
		}
		var statuses []int
		for _, s := range strings.Split(list, ",") {
			status, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return fmt.Errorf("entry %q: %w", entry, err)
			}
			statuses = append(statuses, status)
		}
		srv.Script(phone, statuses...)
	}
	return nil
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
