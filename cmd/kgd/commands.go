package main

import (
	"fmt"
	"time"

	"github.com/ekuinox/kgd/internal/auth"
	"github.com/ekuinox/kgd/internal/config"
	"github.com/ekuinox/kgd/internal/database"
	"github.com/ekuinox/kgd/internal/diary"
	"github.com/ekuinox/kgd/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newAuditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Verify and repair block ordering once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadStorage(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.Open(cmd.Context(), appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
			if err != nil {
				return err
			}
			defer database.Close(db) //nolint:errcheck

			mapper, err := diary.NewMapper(diary.MapperConfig{Database: db, Logger: logger})
			if err != nil {
				return err
			}
			report, err := mapper.Audit(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "messages checked: %d\n", report.MessagesChecked)
			fmt.Fprintf(out, "violations repaired: %d\n", report.Repaired)
			fmt.Fprintf(out, "orphan fingerprints removed: %d\n", report.OrphanFingerprints)
			for _, violation := range report.Violations {
				fmt.Fprintf(out, "  %v\n", violation)
			}
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the webhook and admin endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			configViper := viper.GetViper()
			if ttl <= 0 {
				ttl = configViper.GetDuration("webhook.token_ttl")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(configViper.GetString("webhook.signing_secret")),
				Issuer:        configViper.GetString("webhook.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "webhook", "Subject recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to webhook.token_ttl)")
	return cmd
}

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file populated with defaults",
		Args:  cobra.MaximumNArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "kgd.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			template := config.NewViper()
			config.ApplyTemplate(template)
			if force {
				if err := template.WriteConfigAs(path); err != nil {
					return err
				}
			} else if err := template.SafeWriteConfigAs(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(initCmd)
	return configCmd
}
