package main

import (
	"github.com/ftauth/dpop/dpop"
	"github.com/spf13/cobra"
)

type failureInfo struct {
	Valid             bool   `json:"valid"`
	Kind              string `json:"kind"`
	Severity          string `json:"severity"`
	SecurityViolation bool   `json:"security_violation"`
	Hint              string `json:"hint"`
	Error             string `json:"error"`
}

func (c *cli) newValidateCmd() *cobra.Command {
	var method, uri, accessToken, nonce string
	cmd := &cobra.Command{
		Use:   "validate <proof|->",
		Short: "Validate a proof against an HTTP request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readProof(cmd, args)
			if err != nil {
				return err
			}

			store := dpop.NewMemoryNonceStorage()
			defer store.Close()
			v, err := dpop.NewValidator(store, c.conf.ValidatorConfig(c.logger))
			if err != nil {
				return err
			}

			var opts []dpop.ValidateOption
			if nonce != "" {
				opts = append(opts, dpop.WithExpectedNonce(nonce))
			}
			result, err := v.ValidateProof(cmd.Context(), raw, method, uri, accessToken, opts...)
			if err != nil {
				dpopErr, ok := dpop.AsError(err)
				if !ok {
					return err
				}
				if werr := writeYAML(cmd.OutOrStdout(), failureInfo{
					Kind:              string(dpopErr.Kind),
					Severity:          dpopErr.Severity().String(),
					SecurityViolation: dpopErr.IsSecurityViolation(),
					Hint:              dpopErr.Hint(),
					Error:             dpopErr.Error(),
				}); werr != nil {
					return werr
				}
				return err
			}
			return writeYAML(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method of the request")
	cmd.Flags().StringVarP(&uri, "url", "u", "", "URL of the request")
	cmd.Flags().StringVarP(&accessToken, "access-token", "t", "", "access token sent with the request")
	cmd.Flags().StringVar(&nonce, "nonce", "", "server nonce the proof must carry")
	cmd.MarkFlagRequired("url")
	return cmd
}
