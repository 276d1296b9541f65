package main

import (
	"os"

	"github.com/ftauth/dpop/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type cli struct {
	configFile string
	conf       *config.Config
	logger     *log.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:           "dpopctl",
		Short:         "dpopctl creates and checks DPoP proofs",
		Long:          "dpopctl generates DPoP key pairs, signs proofs for HTTP requests and validates or inspects existing proofs.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.loadConfig()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&c.configFile, "config", "c", "", "the config file to use")

	rootCmd.AddCommand(
		c.newKeygenCmd(),
		c.newProofCmd(),
		c.newInspectCmd(),
		c.newValidateCmd(),
	)
	return rootCmd
}

func (c *cli) loadConfig() error {
	conf, err := config.Load(c.configFile)
	if err != nil {
		return err
	}
	c.conf = conf
	c.logger = conf.Logger()
	c.logger.SetOutput(os.Stderr)
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}
