package main

import (
	"fmt"

	"github.com/ftauth/dpop/dpop"
	"github.com/spf13/cobra"
)

func (c *cli) newProofCmd() *cobra.Command {
	var (
		alg, method, uri, accessToken, nonce string
		verbose                              bool
	)
	cmd := &cobra.Command{
		Use:   "proof",
		Short: "Sign a proof for an HTTP request with a fresh key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := dpop.NewKeyManager(dpop.WithKeyLogger(c.logger))
			defer keys.Close()

			config := c.conf.GeneratorConfig(c.logger)
			config.Algorithm = c.algorithm(alg)
			g, err := dpop.NewGenerator(keys, config)
			if err != nil {
				return err
			}

			var opts []dpop.ProofOption
			if accessToken != "" {
				opts = append(opts, dpop.WithAccessToken(accessToken))
			}
			if nonce != "" {
				opts = append(opts, dpop.WithNonce(nonce))
			}
			proof, err := g.GenerateProof(cmd.Context(), method, uri, opts...)
			if err != nil {
				return err
			}

			if verbose {
				return writeYAML(cmd.OutOrStdout(), describe(proof))
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), proof.String())
			return err
		},
	}
	cmd.Flags().StringVarP(&alg, "alg", "a", "", "signing algorithm (ES256, RS256 or PS256)")
	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method of the request")
	cmd.Flags().StringVarP(&uri, "url", "u", "", "URL of the request")
	cmd.Flags().StringVarP(&accessToken, "access-token", "t", "", "access token to bind with ath")
	cmd.Flags().StringVar(&nonce, "nonce", "", "server-provided nonce")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the decoded proof as YAML")
	cmd.MarkFlagRequired("url")
	return cmd
}
