package main

import (
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/johnialexdch-dot/zamunda-api/internal/app"
	"github.com/johnialexdch-dot/zamunda-api/internal/domain"
	"github.com/johnialexdch-dot/zamunda-api/internal/search"
)

func runSearchCommand(configPath *string) *cobra.Command {
	var (
		user          string
		password      string
		provideMagnet bool
		provideHash   bool
	)

	command := &cobra.Command{
		Use:   "search <query>",
		Short: "Run one search and print the results as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if user == "" {
				user = cfg.Username
			}
			if password == "" {
				password = cfg.Password
			}
			if user == "" || password == "" {
				return errors.New("credentials required: pass --user/--password or set ZAMUNDA_USER/ZAMUNDA_PASSWORD")
			}

			logger, closeLog, err := app.NewLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog()

			client, err := newZamundaClient(cfg, logger)
			if err != nil {
				return err
			}
			results, err := search.NewService(client, nil, logger).Search(cmd.Context(), domain.SearchRequest{
				Query:       strings.Join(args, " "),
				Credentials: domain.Credentials{Username: user, Password: password},
				SearchOptions: domain.SearchOptions{
					WantDescriptor: provideMagnet,
					WantHash:       provideHash,
				},
			})
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(results)
		},
	}
	command.Flags().StringVar(&user, "user", "", "tracker username (default $ZAMUNDA_USER)")
	command.Flags().StringVar(&password, "password", "", "tracker password (default $ZAMUNDA_PASSWORD)")
	command.Flags().BoolVar(&provideMagnet, "magnet", false, "resolve magnet links")
	command.Flags().BoolVar(&provideHash, "hash", false, "resolve info hashes")
	return command
}
