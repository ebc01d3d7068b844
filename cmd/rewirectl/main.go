// The `rewirectl` CLI manages expectations on a running rewire server.
//
// Usage:
//
//	rewirectl new-schedule --name X --contact a@b --expected-interval-s 3600
//	rewirectl new-alertpath --name X --contact a@b --test-interval-s 86400 --ack-window-s 900
//	rewirectl enable --id <id>
//	rewirectl disable --id <id>
//	rewirectl show --id <id>
//
// The server URL and admin token come from --base-url/--admin-token or the
// REWIRE_BASE_URL/REWIRE_ADMIN_TOKEN environment variables.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "new-schedule":
		cmdNewSchedule(args)
	case "new-alertpath":
		cmdNewAlertPath(args)
	case "enable":
		cmdSetEnabled(args, "enable")
	case "disable":
		cmdSetEnabled(args, "disable")
	case "show":
		cmdShow(args)
	case "version":
		fmt.Printf("rewirectl %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`rewirectl — administer a rewire server

Usage:
  rewirectl new-schedule [options]     Create a schedule expectation
    --name <name>                      Expectation name
    --contact <email>                  Owner contact
    --expected-interval-s <n>          Expected seconds between runs
    --tolerance-s <n>                  Grace period (default 0)
    --max-runtime-s <n>                Longrun threshold (0=disable)
    --min-spacing-s <n>                Min gap between runs (0=disable)
    --allow-overlap                    Permit overlapping runs
  rewirectl new-alertpath [options]    Create an alert-path expectation
    --name <name>                      Expectation name
    --contact <email>                  Owner contact
    --test-interval-s <n>              Seconds between synthetic tests
    --ack-window-s <n>                 Seconds allowed to acknowledge
    --tolerance-s <n>                  Grace period (default 0)
  rewirectl enable --id <id>           Enable an expectation
  rewirectl disable --id <id>          Disable an expectation
  rewirectl show --id <id>             Show expectation + recent observations
  rewirectl version                    Show version

Connection (flags or environment):
  --base-url <url>      Server URL     (REWIRE_BASE_URL)
  --admin-token <tok>   Admin token    (REWIRE_ADMIN_TOKEN)`)
}

type conn struct {
	baseURL string
	token   string
}

// addConnFlags registers the shared connection flags, defaulting from the
// environment.
func addConnFlags(fs *flag.FlagSet) *conn {
	c := &conn{}
	fs.StringVar(&c.baseURL, "base-url", os.Getenv("REWIRE_BASE_URL"), "rewire server URL")
	fs.StringVar(&c.token, "admin-token", os.Getenv("REWIRE_ADMIN_TOKEN"), "admin API token")
	return c
}

func (c *conn) check() {
	if c.baseURL == "" {
		fatal(fmt.Errorf("need --base-url or REWIRE_BASE_URL"))
	}
	if c.token == "" {
		fatal(fmt.Errorf("need --admin-token or REWIRE_ADMIN_TOKEN"))
	}
	c.baseURL = strings.TrimRight(c.baseURL, "/")
}

func (c *conn) post(path string, form url.Values) map[string]any {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	fatal(err)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 20 * time.Second}
	resp, err := client.Do(req)
	fatal(err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode != http.StatusOK {
		fatal(fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var out map[string]any
	fatal(json.Unmarshal(body, &out))
	return out
}

func cmdNewSchedule(args []string) {
	fs := flag.NewFlagSet("new-schedule", flag.ExitOnError)
	c := addConnFlags(fs)
	name := fs.String("name", "", "expectation name")
	contact := fs.String("contact", "", "owner contact")
	expectedInterval := fs.Int64("expected-interval-s", 0, "expected seconds between runs")
	tolerance := fs.Int64("tolerance-s", 0, "grace period in seconds")
	maxRuntime := fs.Int64("max-runtime-s", 0, "longrun threshold in seconds (0=disable)")
	minSpacing := fs.Int64("min-spacing-s", 0, "min gap between runs in seconds (0=disable)")
	allowOverlap := fs.Bool("allow-overlap", false, "permit overlapping runs")
	_ = fs.Parse(args)
	c.check()

	if *name == "" || *contact == "" || *expectedInterval == 0 {
		fatal(fmt.Errorf("need --name, --contact and --expected-interval-s"))
	}

	params, _ := json.Marshal(map[string]any{
		"max_runtime_s": *maxRuntime,
		"min_spacing_s": *minSpacing,
		"allow_overlap": *allowOverlap,
	})
	out := c.post("/admin/new", url.Values{
		"type":                {"schedule"},
		"name":                {*name},
		"contact":             {*contact},
		"expected_interval_s": {strconv.FormatInt(*expectedInterval, 10)},
		"tolerance_s":         {strconv.FormatInt(*tolerance, 10)},
		"params_json":         {string(params)},
	})
	printJSON(out)

	if observeURL, ok := out["observe_url"].(string); ok {
		fmt.Println("\nInstrument your job:")
		fmt.Printf("  curl -fsS -X POST '%s' -d kind=start\n", observeURL)
		fmt.Println("  # ... do work ...")
		fmt.Printf("  curl -fsS -X POST '%s' -d kind=end\n", observeURL)
	}
}

func cmdNewAlertPath(args []string) {
	fs := flag.NewFlagSet("new-alertpath", flag.ExitOnError)
	c := addConnFlags(fs)
	name := fs.String("name", "", "expectation name")
	contact := fs.String("contact", "", "owner contact")
	testInterval := fs.Int64("test-interval-s", 0, "seconds between synthetic tests")
	ackWindow := fs.Int64("ack-window-s", 0, "seconds allowed to acknowledge")
	expectedInterval := fs.Int64("expected-interval-s", 3600, "expected interval in seconds")
	tolerance := fs.Int64("tolerance-s", 0, "grace period in seconds")
	_ = fs.Parse(args)
	c.check()

	if *name == "" || *contact == "" || *testInterval == 0 || *ackWindow == 0 {
		fatal(fmt.Errorf("need --name, --contact, --test-interval-s and --ack-window-s"))
	}

	params, _ := json.Marshal(map[string]any{
		"test_interval_s": *testInterval,
		"ack_window_s":    *ackWindow,
	})
	out := c.post("/admin/new", url.Values{
		"type":                {"alert_path"},
		"name":                {*name},
		"contact":             {*contact},
		"expected_interval_s": {strconv.FormatInt(*expectedInterval, 10)},
		"tolerance_s":         {strconv.FormatInt(*tolerance, 10)},
		"params_json":         {string(params)},
	})
	printJSON(out)

	fmt.Println("\nSynthetic tests will be sent to", *contact)
	fmt.Println("ACK via the /ack/<trial> link in each notification.")
}

func cmdSetEnabled(args []string, action string) {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	c := addConnFlags(fs)
	id := fs.String("id", "", "expectation id")
	_ = fs.Parse(args)
	c.check()

	if *id == "" {
		fatal(fmt.Errorf("need --id"))
	}
	printJSON(c.post("/admin/"+action, url.Values{"id": {*id}}))
}

func cmdShow(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	c := addConnFlags(fs)
	id := fs.String("id", "", "expectation id")
	_ = fs.Parse(args)
	if c.baseURL == "" {
		fatal(fmt.Errorf("need --base-url or REWIRE_BASE_URL"))
	}
	c.baseURL = strings.TrimRight(c.baseURL, "/")
	if *id == "" {
		fatal(fmt.Errorf("need --id"))
	}

	client := &http.Client{Timeout: 20 * time.Second}
	resp, err := client.Get(c.baseURL + "/observe/" + url.PathEscape(*id))
	fatal(err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode != http.StatusOK {
		fatal(fmt.Errorf("show returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var out map[string]any
	fatal(json.Unmarshal(body, &out))
	printJSON(out)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	fatal(err)
	fmt.Println(string(data))
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
