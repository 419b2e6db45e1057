// collabctl is the control CLI for collabd.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"collabd/internal/changelog"
	"collabd/internal/presence"
	"collabd/internal/service"
	"collabd/internal/session"
)

var (
	daemonAddr = flag.String("addr", "http://127.0.0.1:8470", "collabd base URL")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "status":
		cmdStatus()
	case "sessions":
		cmdSessions()
	case "changes":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: collabctl changes <session-id> [since]")
			os.Exit(1)
		}
		since := "0"
		if flag.NArg() >= 3 {
			since = flag.Arg(2)
		}
		cmdChanges(flag.Arg(1), since)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", flag.Arg(0))
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `collabctl - Control utility for collabd

Usage: collabctl [options] <command> [args]

Commands:
  status                     Show daemon status, connections and online users
  sessions                   List active collaboration sessions
  changes <session> [since]  Print a session's accepted changes after a version
  help                       Show this help message

Options:
  -addr <url>  collabd base URL (default: http://127.0.0.1:8470)`)
}

func get(path string, v any) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*daemonAddr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error contacting collabd: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "collabd returned %s for %s\n", resp.Status, path)
		os.Exit(1)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding response: %v\n", err)
		os.Exit(1)
	}
}

func cmdStatus() {
	var status service.StatusResponse
	get("/api/status", &status)

	fmt.Println("=== collabd Status ===")
	fmt.Println()
	fmt.Printf("Status:      %s\n", status.Status)
	fmt.Printf("Uptime:      %s\n", (time.Duration(status.UptimeSec) * time.Second).String())
	fmt.Printf("Connections: %d\n", status.Connections)
	fmt.Printf("Sessions:    %d\n", status.Sessions)
	fmt.Println()

	if len(status.Online) == 0 {
		fmt.Println("No users online.")
		return
	}
	fmt.Println("Online:")
	for _, rec := range status.Online {
		line := fmt.Sprintf("  %s [%s]", displayName(rec), rec.Status)
		if rec.Location != nil {
			line += " @ " + rec.Location.Page
		}
		fmt.Println(line)
	}
}

func displayName(rec presence.Record) string {
	if rec.Name != "" {
		return rec.Name
	}
	return rec.UserID
}

func cmdSessions() {
	var sessions []session.Snapshot
	get("/api/sessions", &sessions)

	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return
	}

	for _, s := range sessions {
		state := "inactive"
		if s.Active {
			state = "active"
		}
		fmt.Printf("%s  %s/%s  v%d  %s\n", s.SessionID, s.EntityType, s.EntityID, s.Version, state)
		for _, p := range s.Participants {
			fmt.Printf("  %s (%s, %s)\n", p.UserID, p.Role, p.Status)
		}
		for _, l := range s.Locks {
			fmt.Printf("  lock %s on %s by %s until %s\n",
				l.Type, l.FieldPath, l.UserID, l.ExpiresAt.Format(time.RFC3339))
		}
	}
}

func cmdChanges(sessionID, since string) {
	var changes []changelog.Change
	get("/api/sessions/"+sessionID+"/changes?since="+since, &changes)

	if len(changes) == 0 {
		fmt.Println("No changes.")
		return
	}

	for _, c := range changes {
		fmt.Printf("[%d] %s %s %s by %s\n", c.Version,
			c.Timestamp.Format("2006-01-02 15:04:05"), c.Type, c.FieldPath, c.UserID)
		if len(c.NewValue) > 0 && len(c.NewValue) <= 80 {
			fmt.Printf("    value: %s\n", string(c.NewValue))
		}
	}
}
