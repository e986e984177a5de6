// Command hierachain runs the transaction pool node.
package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v2"

	"github.com/VanDung-dev/HieraChain-TxPool/api"
	"github.com/VanDung-dev/HieraChain-TxPool/config"
)

var (
	configFlag = cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to a YAML, TOML or JSON config file",
		EnvVars: []string{"HIERACHAIN_CONFIG"},
	}
	devSeedFlag = cli.StringFlag{
		Name:  "dev.seed",
		Usage: "Credit deterministic development accounts derived from this seed",
	}
	devAccountsFlag = cli.UintFlag{
		Name:  "dev.accounts",
		Usage: "Number of development accounts to credit",
		Value: 16,
	}
	devBalanceFlag = cli.Uint64Flag{
		Name:  "dev.balance",
		Usage: "Balance credited to each development account",
		Value: 1_000_000_000_000,
	}
)

var runCommand = cli.Command{
	Name:   "run",
	Usage:  "Start the pool node",
	Action: runNode,
	Flags: []cli.Flag{
		&configFlag,
		&devSeedFlag,
		&devAccountsFlag,
		&devBalanceFlag,
	},
}

var configCommand = cli.Command{
	Name:  "config",
	Usage: "Print the effective configuration",
	Flags: []cli.Flag{&configFlag},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String(configFlag.Name))
		if err != nil {
			return err
		}
		if cfg.API.AuthToken != "" {
			cfg.API.AuthToken = "<redacted>"
		}
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.App.Writer, string(out))
		return err
	},
}

var tokenCommand = cli.Command{
	Name:  "token",
	Usage: "Generate a random Arrow ingress auth token",
	Action: func(c *cli.Context) error {
		token, err := api.GenerateToken()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.App.Writer, token)
		return err
	},
}

var versionCommand = cli.Command{
	Name:  "version",
	Usage: "Print the node version",
	Action: func(c *cli.Context) error {
		_, err := fmt.Fprintf(c.App.Writer, "%s v%s\n", c.App.Name, api.Version)
		return err
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "hierachain",
		Usage:   "HieraChain transaction pool node",
		Version: api.Version,
		Commands: []*cli.Command{
			&runCommand,
			&configCommand,
			&tokenCommand,
			&versionCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
