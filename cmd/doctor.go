package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/orcfabric/fabric/internal/config"
)

const defaultDoctorTimeout = 5 * time.Second

// doctorCmd prints a human-readable health summary, grounded on the
// teacher's cmd/doctor.go report shape (version, environment, config,
// database) but narrowed to this module's single-process deployment —
// no managed-mode provider/tenant checks.
func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("orcctl doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (using defaults, file not found)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	fmt.Printf("    %-18s %s\n", "Backend:", cfg.Database.Backend)
	if cfg.Database.IsPostgres() {
		fmt.Printf("    %-18s %s\n", "DSN set:", yesNo(cfg.Database.PostgresDSN != ""))
	} else {
		fmt.Printf("    %-18s %s\n", "Path:", cfg.Database.SQLitePath)
	}

	st, err := openStore(cfg)
	if err != nil {
		fmt.Printf("    %-18s connect failed: %s\n", "Status:", err)
		return
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), defaultDoctorTimeout)
	defer cancel()
	if err := st.CheckIntegrity(ctx); err != nil {
		fmt.Printf("    %-18s %s\n", "Status:", err)
	} else {
		fmt.Printf("    %-18s ok\n", "Status:")
	}

	fmt.Println()
	fmt.Println("  Channels:")
	if len(cfg.Channels) == 0 {
		fmt.Println("    none configured")
	}
	for _, ch := range cfg.Channels {
		fmt.Printf("    %-10s enabled=%-5v token set=%v\n", ch.Type, ch.Enabled, ch.Token != "")
	}

	fmt.Println()
	fmt.Printf("  Anthropic API key set: %v\n", cfg.AnthropicAPIKey != "")
	fmt.Printf("  HTTP API:              enabled=%v addr=%s\n", cfg.HTTPAPI.Enabled, cfg.HTTPAPI.Addr)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
