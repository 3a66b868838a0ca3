package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/foxseedlab/botfleet/internal/bot"
	"github.com/foxseedlab/botfleet/internal/control"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newBotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Manage bot records",
	}
	cmd.AddCommand(
		newBotCreateCmd(),
		newBotListCmd(),
		newBotShowCmd(),
		newBotConfigureCmd(),
		newBotEnableCmd(),
		newBotDisableCmd(),
		newBotDeleteCmd(),
	)
	return cmd
}

// withApp wraps a management command so it gets a loaded app that is closed
// afterwards.
func withApp(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(os.Stderr)
		if err != nil {
			return err
		}
		defer a.close()
		return run(cmd, a, args)
	}
}

func printBot(cmd *cobra.Command, b *bot.Bot) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return err
	}
	return enc.Close()
}

func newBotCreateCmd() *cobra.Command {
	var owner, name, applicationID, token string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new bot (it starts OFFLINE)",
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			if token == "" {
				token = os.Getenv("BOT_TOKEN")
			}
			svc, err := a.control(cmd.Context())
			if err != nil {
				return err
			}
			b, err := svc.Create(cmd.Context(), control.CreateRequest{
				OwnerID:       owner,
				Name:          name,
				ApplicationID: applicationID,
				Token:         token,
			})
			if err != nil {
				return err
			}
			return printBot(cmd, b)
		}),
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner user id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&applicationID, "application-id", "", "platform application id")
	cmd.Flags().StringVar(&token, "token", "", "bot token (defaults to $BOT_TOKEN)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newBotListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bots with their status",
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			svc, err := a.control(cmd.Context())
			if err != nil {
				return err
			}
			bots, err := svc.List(cmd.Context(), owner)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tOWNER\tSTATUS\tDESIRED")
			for _, b := range bots {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b.ID, b.Name, b.OwnerID, b.Status, b.DesiredStatus)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only bots of this owner")
	return cmd
}

func newBotShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <bot-id>",
		Short: "Print a bot record as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			svc, err := a.control(cmd.Context())
			if err != nil {
				return err
			}
			b, err := svc.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printBot(cmd, b)
		}),
	}
}

func newBotConfigureCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "configure <bot-id>",
		Short: "Apply a YAML configuration patch",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read patch: %w", err)
			}
			var patch bot.ConfigurationPatch
			if err := yaml.Unmarshal(raw, &patch); err != nil {
				return fmt.Errorf("%w: patch is not valid YAML: %v", bot.ErrConfigInvalid, err)
			}
			svc, err := a.control(cmd.Context())
			if err != nil {
				return err
			}
			b, err := svc.Configure(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			return printBot(cmd, b)
		}),
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with the fields to change")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// enable starts the bot in the running server. Without one it only records
// intent and the next server start brings the bot up.
func newBotEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <bot-id>",
		Short: "Start a bot, or mark it to be started by the next server",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			svc, err := a.control(cmd.Context())
			if err != nil {
				return err
			}
			b, err := svc.Enable(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printBot(cmd, b)
		}),
	}
}

func newBotDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <bot-id>",
		Short: "Mark a bot to stay offline",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			svc, err := a.control(cmd.Context())
			if err != nil {
				return err
			}
			b, err := svc.Disable(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printBot(cmd, b)
		}),
	}
}

func newBotDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <bot-id>",
		Short: "Delete a bot and its conversation histories",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			svc, err := a.control(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.Delete(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, bot.ErrNotFound) {
					return fmt.Errorf("no bot with id %s", args[0])
				}
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		}),
	}
}
