package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/chatumba/internal/config"
	"github.com/stellarlinkco/chatumba/internal/gateway"
)

var rootCmd = &cobra.Command{
	Use:   "chatumba",
	Short: "chatumba - companion bot with tiered conversational memory",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + memory engine + cron + admin API)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config",
	RunE:  runOnboard,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory engine statistics",
	RunE:  runStats,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Run one compaction cycle now",
	RunE:  runCompact,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the bot from the terminal",
	RunE:  runChat,
}

func init() {
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statsCmd, compactCmd, chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'chatumba onboard' or set CHATUMBA_API_KEY")
	}

	gw, err := gateway.New(cfg, gateway.Options{})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return gw.Run(ctx)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
		fmt.Println("Set your provider API key and (optionally) a Telegram token, then run 'chatumba gateway'.")
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.New(cfg, gateway.Options{})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Engine().Shutdown()

	stats, err := gw.Engine().Stats()
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	data, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(data))
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if providerKey(cfg) == "" {
		return fmt.Errorf("API key not set; compaction needs the summarizer")
	}

	gw, err := gateway.New(cfg, gateway.Options{})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Engine().Shutdown()

	n, err := gw.Engine().CompactNow(cmd.Context())
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	fmt.Printf("Wrote %d chunks\n", n)
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'chatumba onboard' or set CHATUMBA_API_KEY")
	}

	gw, err := gateway.New(cfg, gateway.Options{})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Engine().Shutdown()

	return chatREPL(cmd.Context(), gw, os.Stdin, os.Stdout)
}

func chatREPL(ctx context.Context, gw *gateway.Gateway, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "chatumba (type 'exit' to quit)")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			return nil
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}

		reply, err := gw.Chat(ctx, "cli", input)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, reply)
	}
}

func providerKey(cfg *config.Config) string {
	if cfg.Memory.Provider != nil && cfg.Memory.Provider.APIKey != "" {
		return cfg.Memory.Provider.APIKey
	}
	return cfg.Provider.APIKey
}
