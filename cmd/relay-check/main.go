// relay-check is a pre-flight diagnostic for a running relay: it verifies
// the health endpoint, the availability snapshot, and the audit tail with
// the operator's credentials.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

type check struct {
	Name string
	Test func(c *client) error
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func main() {
	base := flag.String("url", "http://localhost:8787", "relay base URL")
	flag.Parse()

	token := os.Getenv("RELAY_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "RELAY_TOKEN must be set")
		os.Exit(1)
	}

	c := &client{base: *base, token: token, http: &http.Client{Timeout: 5 * time.Second}}

	fmt.Println("\033[96mVessel Relay - Pre-Flight Diagnostic\033[0m")
	fmt.Println("-------------------------------------")

	checks := []check{
		{"Health endpoint", checkHealth},
		{"Availability registry", checkAvailability},
		{"Audit log tail", checkActivity},
		{"Vessel channels", checkVessels},
	}

	failed := 0
	for _, ck := range checks {
		fmt.Printf("Checking %-25s ", ck.Name+"...")
		if err := ck.Test(c); err != nil {
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
			failed++
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("-------------------------------------")
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failed.\033[0m\n", failed)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: Relay ready for vessel traffic.\033[0m")
}

func (c *client) getJSON(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkHealth(c *client) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.getJSON("/health", &out); err != nil {
		return err
	}
	if out.Status != "healthy" {
		return fmt.Errorf("unexpected status %q", out.Status)
	}
	return nil
}

func checkAvailability(c *client) error {
	var out struct {
		Workers map[string]struct {
			Status string `json:"status"`
		} `json:"workers"`
	}
	if err := c.getJSON("/agents/availability", &out); err != nil {
		return err
	}
	if len(out.Workers) == 0 {
		return fmt.Errorf("no workers tracked")
	}
	return nil
}

func checkActivity(c *client) error {
	var out []map[string]interface{}
	return c.getJSON("/activity?limit=5", &out)
}

func checkVessels(c *client) error {
	var out struct {
		Vessels []struct {
			VesselID string `json:"vessel_id"`
		} `json:"vessels"`
	}
	if err := c.getJSON("/vessels", &out); err != nil {
		return err
	}
	// Zero connected vessels is a valid (if quiet) state.
	return nil
}
