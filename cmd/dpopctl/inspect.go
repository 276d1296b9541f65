package main

import (
	"io"
	"strings"
	"time"

	"github.com/ftauth/dpop/dpop"
	"github.com/ftauth/dpop/jwt"
	"github.com/spf13/cobra"
)

type proofInfo struct {
	Proof    string     `json:"proof"`
	Header   jwt.Header `json:"header"`
	Claims   jwt.Claims `json:"claims"`
	IssuedAt time.Time  `json:"issued_at"`
}

func describe(p *dpop.Proof) proofInfo {
	return proofInfo{
		Proof:    p.String(),
		Header:   p.Header(),
		Claims:   p.Claims(),
		IssuedAt: p.IssuedAt().UTC(),
	}
}

// readProof returns the proof argument, reading stdin for "-".
func readProof(cmd *cobra.Command, args []string) (string, error) {
	if args[0] != "-" {
		return args[0], nil
	}
	b, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), dpop.MaxProofSize+1))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (c *cli) newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <proof|->",
		Short: "Decode a proof without verifying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readProof(cmd, args)
			if err != nil {
				return err
			}
			proof, err := dpop.ParseProof(raw)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), describe(proof))
		},
	}
}
