package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"auth-guard/internal/logger"
	"auth-guard/internal/service"
)

var (
	tokenAlgorithm  string
	tokenPrivateKey string
	tokenPublicKey  string
	tokenIssuer     string
)

var TokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect issued credentials",
}

var tokenInspectCmd = &cobra.Command{
	Use:          "inspect <token>",
	SilenceUsage: true,
	Short:        "Decode a credential after checking its signature",
	Long: `Decode an api, web or mirror credential and print its claims as JSON.

The signature, issuer and expiry are checked against the configured key pair.
Whether the credential has been revoked is not checked; that needs the
credential store of the running service.

Key and issuer flags default to the SIGNING_* and TOKEN_ISSUER environment
variables used by the server.`,
	Args: cobra.ExactArgs(1),
	RunE: runTokenInspect,
}

func init() {
	tokenInspectCmd.Flags().StringVar(&tokenAlgorithm, "algorithm", envOr("SIGNING_ALGORITHM", "EdDSA"), "Signing algorithm (EdDSA, RS256 or ES256)")
	tokenInspectCmd.Flags().StringVar(&tokenPrivateKey, "private-key", envOr("SIGNING_PRIVATE_KEY_FILE", "keys/signing.pem"), "Private key PEM file")
	tokenInspectCmd.Flags().StringVar(&tokenPublicKey, "public-key", envOr("SIGNING_PUBLIC_KEY_FILE", "keys/signing.pub.pem"), "Public key PEM file")
	tokenInspectCmd.Flags().StringVar(&tokenIssuer, "issuer", envOr("TOKEN_ISSUER", "auth-guard"), "Expected token issuer")

	TokenCmd.AddCommand(tokenInspectCmd)
}

func runTokenInspect(cmd *cobra.Command, args []string) error {
	token := strings.TrimSpace(args[0])
	if token == "" {
		return errors.New("token cannot be empty")
	}

	keys, err := service.LoadSigningKeys(tokenAlgorithm, tokenPrivateKey, tokenPublicKey)
	if err != nil {
		return err
	}

	out, err := inspectToken(keys, tokenIssuer, token)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func inspectToken(keys *service.SigningKeys, issuer, token string) ([]byte, error) {
	authority := service.NewTokenAuthority(nil, keys, service.TokenAuthorityConfig{Issuer: issuer}, logger.NewNopLogger())
	info, err := authority.Inspect(token)
	if err != nil {
		return nil, fmt.Errorf("token rejected: %w", err)
	}
	return json.MarshalIndent(info, "", "  ")
}
