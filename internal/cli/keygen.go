package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"auth-guard/internal/service"
)

var (
	keygenOutDir string
	keygenName   string
	keygenForce  bool
)

var KeygenCmd = &cobra.Command{
	Use:          "keygen",
	SilenceUsage: true,
	Short:        "Generate an Ed25519 signing key pair",
	Long: `Generate an Ed25519 key pair for token signing.

The private key is written as <name>.pem with mode 0600 and the public key
as <name>.pub.pem with mode 0644. Existing files are kept unless --force is set.

Point SIGNING_PRIVATE_KEY_FILE and SIGNING_PUBLIC_KEY_FILE at the result and
set SIGNING_ALGORITHM=EdDSA.`,
	RunE: runKeygen,
}

func init() {
	KeygenCmd.Flags().StringVarP(&keygenOutDir, "out-dir", "o", "keys", "Directory to write the key pair to")
	KeygenCmd.Flags().StringVar(&keygenName, "name", "signing", "Base file name of the key pair")
	KeygenCmd.Flags().BoolVarP(&keygenForce, "force", "f", false, "Overwrite an existing key pair")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	privatePath, publicPath, err := writeKeyPair(keygenOutDir, keygenName, keygenForce)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Private key: %s\nPublic key:  %s\n", privatePath, publicPath)
	return nil
}

func writeKeyPair(dir, name string, force bool) (string, string, error) {
	if name == "" {
		return "", "", errors.New("key name cannot be empty")
	}
	privatePath := filepath.Join(dir, name+".pem")
	publicPath := filepath.Join(dir, name+".pub.pem")

	if !force {
		for _, path := range []string{privatePath, publicPath} {
			if _, err := os.Stat(path); err == nil {
				return "", "", fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
		}
	}

	privatePEM, publicPEM, err := service.GenerateEd25519PEM()
	if err != nil {
		return "", "", err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		return "", "", fmt.Errorf("writing private key: %w", err)
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(privatePath, 0o600); err != nil {
		return "", "", fmt.Errorf("restricting private key: %w", err)
	}
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		return "", "", fmt.Errorf("writing public key: %w", err)
	}
	return privatePath, publicPath, nil
}
