package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/hubline/pkg/hubline/hub"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint a hub access token",
	Long: `Sign a JWT that grants the given publish and subscribe topic patterns.

The signing key is read from --key or the HUBLINE_JWT_KEY environment variable.

Examples:
  hubline token user-7 --subscribe 'user/7/#' --subscribe 'conversation/+'
  hubline token backend --publish '*' --ttl 0`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

var (
	tokenKey       string
	tokenPublish   []string
	tokenSubscribe []string
	tokenTTL       time.Duration
)

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVar(&tokenKey, "key", "", "HMAC signing key (default $HUBLINE_JWT_KEY)")
	tokenCmd.Flags().StringArrayVar(&tokenPublish, "publish", nil, "topic pattern the token may publish to")
	tokenCmd.Flags().StringArrayVar(&tokenSubscribe, "subscribe", nil, "topic pattern the token may subscribe to")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime, 0 for no expiry")
}

func runToken(cmd *cobra.Command, args []string) error {
	key := tokenKey
	if key == "" {
		key = os.Getenv("HUBLINE_JWT_KEY")
	}
	if key == "" {
		return fmt.Errorf("no signing key: pass --key or set HUBLINE_JWT_KEY")
	}

	token, err := hub.SignToken([]byte(key), args[0], tokenPublish, tokenSubscribe, tokenTTL)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
