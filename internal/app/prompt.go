package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/schoolpsy/psyhelper/internal/config"
)

// PromptInteractive asks for the settings that differ per installation.
// Invalid answers fall back to the defaults.
func PromptInteractive(r io.Reader, w io.Writer, appDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "psyhelper interactive setup")
	fmt.Fprintf(w, " App folder  : %s\n", appDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Viewer.HTTPAddr = askString(in, w, "API HTTP addr (empty=off)", cfg.Viewer.HTTPAddr)

	useMongo := askBool(in, w, "Use MongoDB for cloud sync", cfg.Cloud.Driver == "mongo")
	if useMongo {
		cfg.Cloud.Driver = "mongo"
		cfg.Cloud.URI = askString(in, w, "MongoDB URI", cfg.Cloud.URI)
		cfg.Cloud.Database = askString(in, w, "Database name", cfg.Cloud.Database)
	} else {
		cfg.Cloud.Driver = "memory"
	}

	cfg.Sync.Enabled = askBool(in, w, "Sync in the background", cfg.Sync.Enabled)
	if cfg.Sync.Enabled {
		cfg.Sync.IntervalSec = askInt(in, w, "Sync interval seconds", cfg.Sync.IntervalSec)
	}

	ice := askString(in, w, "ICE servers (comma separated)", strings.Join(cfg.Call.ICEServers, ","))
	cfg.Call.ICEServers = splitList(ice)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
