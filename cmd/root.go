package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/projecteru2/burrow/cmd/core"
	cmdimages "github.com/projecteru2/burrow/cmd/images"
	cmdothers "github.com/projecteru2/burrow/cmd/others"
	cmdsnapshot "github.com/projecteru2/burrow/cmd/snapshot"
	cmdtaphelper "github.com/projecteru2/burrow/cmd/taphelper"
	cmdvm "github.com/projecteru2/burrow/cmd/vm"
	"github.com/projecteru2/burrow/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "burrow",
		Short:         "burrow - Firecracker microVM control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if isTapHelper(cmd) {
				return nil
			}
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "root data directory")
	cmd.PersistentFlags().String("base-images-dir", "", "base images directory")
	cmd.PersistentFlags().String("firecracker", "", "firecracker binary")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("base_images_dir", cmd.PersistentFlags().Lookup("base-images-dir"))
	_ = viper.BindPFlag("firecracker_binary", cmd.PersistentFlags().Lookup("firecracker"))

	viper.SetEnvPrefix("BURROW")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }
	base := cmdcore.BaseHandler{ConfProvider: confProvider}

	cmd.AddCommand(cmdvm.Command(cmdvm.Handler{BaseHandler: base}))
	cmd.AddCommand(cmdsnapshot.Command(cmdsnapshot.Handler{BaseHandler: base}))
	for _, c := range cmdimages.Commands(cmdimages.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}
	cmd.AddCommand(cmdtaphelper.Command("tap-helper", cmdtaphelper.Handler{}))

	return cmd
}()

// tap-helper runs with elevated capabilities and reads no config.
func isTapHelper(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "tap-helper" {
			return true
		}
	}
	return false
}

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if err := conf.Validate(); err != nil {
		return err
	}

	return log.SetupLog(ctx, &conf.Log, "")
}

func newCommandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
