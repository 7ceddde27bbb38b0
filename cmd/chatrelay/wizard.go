package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"chatrelay/internal/config"
)

var knownTransports = []struct {
	ID   string
	Desc string
}{
	{"whatsapp", "WhatsApp Web through the bridge (QR login)"},
	{"telegram", "Telegram bot"},
	{"mattermost", "Mattermost bot account"},
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: transport, credentials and backend, then save config",
		Long:  "Guides you through the messaging transport, its credentials and the answer backend URLs. Writes config to the path used by --config or default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}
			if err := runWizard(cmd.InOrStdin(), cmd.OutOrStdout(), cfg); err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nConfig saved to %s\n", cfgPath)
			fmt.Fprintln(cmd.OutOrStdout(), "Next: 'chatrelay doctor', then 'chatrelay run'.")
			return nil
		},
	}
}

// runWizard asks its questions on out, reads answers from in and edits cfg.
func runWizard(in io.Reader, out io.Writer, cfg *config.Config) error {
	reader := bufio.NewReader(in)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, " [%s]: ", def)
		} else {
			fmt.Fprint(out, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Transport
	fmt.Fprintln(out, "\n--- Step 1: Transport ---")
	defNum := "1"
	for i, t := range knownTransports {
		fmt.Fprintf(out, "  %d) %s: %s\n", i+1, t.ID, t.Desc)
		if t.ID == cfg.Transport.Kind {
			defNum = fmt.Sprint(i + 1)
		}
	}
	fmt.Fprintf(out, "Choose transport (1-%d)", len(knownTransports))
	choice, err := prompt(defNum)
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(knownTransports) {
		idx = 1
	}
	cfg.Transport.Kind = knownTransports[idx-1].ID

	// Step 2: Credentials
	fmt.Fprintln(out, "\n--- Step 2: Credentials ---")
	switch cfg.Transport.Kind {
	case "whatsapp":
		fmt.Fprint(out, "Bridge websocket URL")
		if cfg.Transport.WhatsApp.URL, err = prompt(cfg.Transport.WhatsApp.URL); err != nil {
			return err
		}
		fmt.Fprint(out, "Bridge token (or ${CHATRELAY_WHATSAPP_TOKEN})")
		if cfg.Transport.WhatsApp.Token, err = prompt(cfg.Transport.WhatsApp.Token); err != nil {
			return err
		}
		fmt.Fprint(out, "Session directory")
		if cfg.Transport.WhatsApp.SessionDir, err = prompt(cfg.Transport.WhatsApp.SessionDir); err != nil {
			return err
		}
	case "telegram":
		fmt.Fprint(out, "Telegram bot token (from @BotFather)")
		if cfg.Transport.Telegram.Token, err = prompt(cfg.Transport.Telegram.Token); err != nil {
			return err
		}
	case "mattermost":
		fmt.Fprint(out, "Mattermost server URL")
		if cfg.Transport.Mattermost.ServerURL, err = prompt(cfg.Transport.Mattermost.ServerURL); err != nil {
			return err
		}
		fmt.Fprint(out, "Bot access token")
		if cfg.Transport.Mattermost.Token, err = prompt(cfg.Transport.Mattermost.Token); err != nil {
			return err
		}
	}

	// Step 3: Backend
	fmt.Fprintln(out, "\n--- Step 3: Answer backend ---")
	fmt.Fprint(out, "Chat endpoint")
	if cfg.Backend.ChatURL, err = prompt(cfg.Backend.ChatURL); err != nil {
		return err
	}
	fmt.Fprint(out, "Report endpoint (empty keeps the default)")
	if cfg.Backend.ReportURL, err = prompt(cfg.Backend.ReportURL); err != nil {
		return err
	}

	fmt.Fprintf(out, "  Using %s with backend %s\n", cfg.Transport.Kind, cfg.Backend.ChatURL)
	return nil
}
