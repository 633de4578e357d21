package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/picvault/picvault/internal/config"
	"github.com/picvault/picvault/internal/logging"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("picvault doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	applyINIFlag()
	iniPath := os.Getenv("PICVAULT_INI")
	if iniPath == "" {
		iniPath = "picvault.ini"
	}
	fmt.Printf("  Legacy INI: %s", iniPath)
	if _, err := os.Stat(iniPath); err != nil {
		fmt.Println(" (not used)")
	} else {
		fmt.Println(" (FOUND — migrate to env groupings)")
	}

	fmt.Println()
	fmt.Println("  Env groupings:")
	for _, name := range []string{
		"STORAGE_PATHS", "EMAIL_SERVER", "OPENAI_SETTINGS",
		"CAPTIONFILE_SETTINGS", "CONFIRMATION_SETTINGS", "CONTENT_SETTINGS",
		"TELEMETRY_SETTINGS", "PUBLISHERS",
	} {
		status := "(not set)"
		if os.Getenv(name) != "" {
			status = "set"
		}
		fmt.Printf("    %-24s %s\n", name+":", status)
	}

	fmt.Println()
	fmt.Println("  Secrets:")
	checkSecret("OpenAI", os.Getenv("OPENAI_API_KEY"))
	checkSecret("Dropbox key", os.Getenv("DROPBOX_APP_KEY"))
	checkSecret("Dropbox secret", os.Getenv("DROPBOX_APP_SECRET"))
	checkSecret("Dropbox token", os.Getenv("DROPBOX_REFRESH_TOKEN"))
	checkSecret("Telegram", os.Getenv("TELEGRAM_BOT_TOKEN"))
	checkSecret("Email", os.Getenv("EMAIL_PASSWORD"))
	checkSecret("Instagram", os.Getenv("INSTA_PASSWORD"))
	checkSecret("Discord", os.Getenv("DISCORD_BOT_TOKEN"))
	checkSecret("Session key", os.Getenv("WEB_SESSION_SECRET"))
	checkSecret("Admin pw", os.Getenv("web_admin_pw"))
	checkSecret("Auth0", os.Getenv("AUTH0_CLIENT_SECRET"))

	fmt.Println()
	log := logging.New(slog.LevelError, io.Discard)
	cfg, err := config.Load(log)
	if err != nil {
		fmt.Printf("  Config:   INVALID\n")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("    %s\n", line)
		}
		return
	}
	fmt.Printf("  Config:   OK (version %s)\n", cfg.Hash())
	fmt.Printf("    %-16s %s\n", "Listen:", cfg.ListenAddr())
	fmt.Printf("    %-16s %s\n", "Environment:", cfg.Environment)
	fmt.Printf("    %-16s %s (root %s)\n", "Storage:", cfg.Storage.Provider, cfg.Storage.Root)

	fmt.Println()
	fmt.Println("  Publishers:")
	if len(cfg.Publishers) == 0 {
		fmt.Println("    (none configured)")
	}
	for _, p := range cfg.Publishers {
		env, _ := config.RequiredSecret(p.Type, cfg.Secrets)
		checkPublisher(p.Type, p.Enabled, env)
	}

	fmt.Println()
	if cfg.MultiTenant() {
		checkOrchestrator(cfg.Orchestrator.URL)
	} else {
		fmt.Println("  Orchestrator: (single-tenant mode)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, value string) {
	if value != "" {
		fmt.Printf("    %-16s %s\n", name+":", maskSecret(value))
	} else {
		fmt.Printf("    %-16s (not configured)\n", name+":")
	}
}

// maskSecret keeps the first and last four characters of long values. Short
// values are fully starred so nothing recoverable prints.
func maskSecret(v string) string {
	if len(v) < 12 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + strings.Repeat("*", len(v)-8) + v[len(v)-4:]
}

// checkPublisher prints enabled publishers with the secret env var they use.
// Load already rejected any enabled publisher whose secret is absent.
func checkPublisher(name string, enabled bool, env string) {
	status := "disabled"
	if enabled {
		status = "enabled"
		if env != "" {
			status = "enabled (" + env + ")"
		}
	}
	fmt.Printf("    %-16s %s\n", name+":", status)
}

func checkOrchestrator(baseURL string) {
	fmt.Printf("  Orchestrator: %s", baseURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		fmt.Printf(" (INVALID URL: %s)\n", err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf(" (UNREACHABLE: %s)\n", err)
		return
	}
	resp.Body.Close()
	fmt.Printf(" (reachable, HTTP %d)\n", resp.StatusCode)
}
