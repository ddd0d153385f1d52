package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stemsi/exstem-agent/internal/config"
	"github.com/stemsi/exstem-agent/internal/logger"
	"github.com/stemsi/exstem-agent/internal/repository"
	"github.com/stemsi/exstem-agent/internal/service"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a new kiosk bridge token, invalidating the previous one",
	Long: `Issue a new kiosk bridge token for the attempt.

Use this when the kiosk was restarted and lost its token. The token the
running agent printed at startup stops working immediately.`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().String("access-token", "", "Attempt access token (defaults to ACCESS_TOKEN, prompted when unset)")
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	if cfg.StoreDriver == "memory" {
		return errors.New("the memory store is private to the running agent; tokens can only be reissued with redis or sqlite")
	}

	tokenFlag, _ := cmd.Flags().GetString("access-token")
	access, err := accessToken(tokenFlag, cfg)
	if err != nil {
		return err
	}

	kv, closeStore, err := openStore(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	authService := service.NewAuthService(cfg.BridgeSecret, cfg.BridgeExpiry, repository.NewBridgeSessionRepository(kv))
	claims, err := authService.ParseAccessToken(access)
	if err != nil {
		return err
	}
	token, err := authService.IssueBridgeToken(cmd.Context(), claims.SubmissionID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
