package main

import (
	"time"

	"github.com/ftauth/dpop/dpop"
	"github.com/ftauth/dpop/jwt"
	"github.com/spf13/cobra"
)

type keyInfo struct {
	ID         string        `json:"id"`
	Algorithm  jwt.Algorithm `json:"alg"`
	Thumbprint string        `json:"thumbprint"`
	CreatedAt  time.Time     `json:"created_at"`
	JWK        *jwt.Key      `json:"jwk"`
}

func (c *cli) newKeygenCmd() *cobra.Command {
	var alg string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key pair and print its public JWK",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := dpop.NewKeyManager(dpop.WithKeyLogger(c.logger))
			defer keys.Close()

			kp, err := keys.GenerateKeyPair(c.algorithm(alg))
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), keyInfo{
				ID:         kp.ID,
				Algorithm:  kp.Algorithm,
				Thumbprint: kp.Thumbprint,
				CreatedAt:  kp.CreatedAt,
				JWK:        kp.PublicJWK(),
			})
		},
	}
	cmd.Flags().StringVarP(&alg, "alg", "a", "", "signing algorithm (ES256, RS256 or PS256)")
	return cmd
}

func (c *cli) algorithm(flag string) jwt.Algorithm {
	if flag != "" {
		return jwt.Algorithm(flag)
	}
	return c.conf.DPoP.KeyAlgorithm
}
