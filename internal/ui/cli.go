package ui

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset = "\x1b[0m"
	ansiTime  = "\x1b[36m"
	ansiName  = "\x1b[33m"
	ansiDM    = "\x1b[35m"
	ansiSys   = "\x1b[32m"
)

// CLIDisplay renders chat events to stdout.
type CLIDisplay struct {
	color bool
	mu    sync.Mutex
}

func NewCLIDisplay(color bool) *CLIDisplay {
	return &CLIDisplay{color: color}
}

func (c *CLIDisplay) ShowMessage(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Println(c.formatLine(msg))
}

func (c *CLIDisplay) ShowSystem(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := time.Now().Format("15:04:05")
	if c.color {
		fmt.Printf("%s[%s]%s %sSYSTEM%s: %s\n", ansiTime, ts, ansiReset, ansiSys, ansiReset, text)
		return
	}
	fmt.Printf("[%s] SYSTEM: %s\n", ts, text)
}

func (c *CLIDisplay) UpdateRoster(users []Presence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(users))
	for _, u := range users {
		if u.Online {
			names = append(names, u.UserID)
		}
	}
	if len(names) == 0 {
		return
	}
	msg := fmt.Sprintf("online: %s", strings.Join(names, ", "))
	if c.color {
		fmt.Printf("%s[mesh]%s %s\n", ansiSys, ansiReset, msg)
		return
	}
	fmt.Printf("[mesh] %s\n", msg)
}

func (c *CLIDisplay) formatLine(msg Message) string {
	ts := msg.Time.Format("15:04:05")
	label := ""
	switch msg.Kind {
	case "dm":
		label = " (dm)"
	case "file":
		label = " (file)"
	}
	if msg.Channel != "" {
		label += " #" + msg.Channel
	}
	if c.color {
		nameColor := ansiName
		if msg.Kind == "dm" {
			nameColor = ansiDM
		}
		return fmt.Sprintf("%s[%s]%s %s%s%s%s: %s", ansiTime, ts, ansiReset, nameColor, msg.From, label, ansiReset, msg.Text)
	}
	return fmt.Sprintf("[%s] %s%s: %s", ts, msg.From, label, msg.Text)
}

// ShouldUseColor determines if ANSI coloring should be enabled for CLI output.
func ShouldUseColor(disable bool) bool {
	if disable {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if runtime.GOOS == "windows" {
		if os.Getenv("WT_SESSION") != "" || os.Getenv("ANSICON") != "" || strings.EqualFold(os.Getenv("ConEmuANSI"), "ON") {
			return true
		}
		return false
	}
	return true
}
