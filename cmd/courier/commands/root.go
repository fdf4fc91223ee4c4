// Package commands holds the courier command line.
package commands

import (
	"errors"
	"os"

	"github.com/meow-io/go-courier"
	"github.com/meow-io/go-courier/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	password   string
)

func Execute() error {
	root := &cobra.Command{
		Use:          "courier",
		Short:        "End-to-end encrypted messaging client",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "courier.yaml", "config file")
	root.PersistentFlags().StringVarP(&password, "password", "p", "", "password protecting the local store (or COURIER_PASSWORD)")

	root.AddCommand(runCmd(), sendCmd())
	return root.Execute()
}

// open loads the config and opens the store, creating it on first use.
func open() (*courier.Courier, error) {
	if password == "" {
		password = os.Getenv("COURIER_PASSWORD")
	}
	if password == "" {
		return nil, errors.New("password required (-p)")
	}
	c, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	r, err := courier.NewCourier(c)
	if err != nil {
		return nil, err
	}
	key, err := r.NewKey(password)
	if err != nil {
		return nil, err
	}
	if r.New() {
		return r, r.Initialize(key)
	}
	return r, r.Open(key)
}
