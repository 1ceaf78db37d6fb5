// Command demagnetize converts magnet links into torrent files by fetching
// their info dictionaries from peers.
package main

import (
	"fmt"
	"os"

	demagnetize "github.com/jwodder/demagnetize"
	"github.com/jwodder/demagnetize/internal/logger"
	"github.com/jwodder/demagnetize/session"
	"github.com/spf13/cobra"
)

var (
	logLevel   string
	configPath string
	outFile    string

	cfg *demagnetize.Config
	ses *session.Session
)

var rootCmd = &cobra.Command{
	Use:           "demagnetize",
	Short:         "Convert magnet links to torrent files",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.SetLevel(logLevel); err != nil {
			return err
		}
		var err error
		cfg, err = demagnetize.LoadConfig(configPath)
		if err != nil {
			return err
		}
		ses, err = session.New(cfg)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if ses != nil {
			return ses.Close()
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <magnet>",
	Short: "Fetch one magnet link and write a torrent file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := ses.Fetch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeTorrent(res, outFile)
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <file>",
	Short: "Fetch every magnet link listed in a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (trace, debug, info, warning, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(),
		"path of the config file")
	for _, cmd := range []*cobra.Command{getCmd, batchCmd} {
		cmd.Flags().StringVarP(&outFile, "outfile", "o", "{name}.torrent",
			"output path; {name} and {hash} are expanded, - means stdout (get only)")
	}
	rootCmd.AddCommand(getCmd, batchCmd)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".demagnetize.yaml"
	}
	return home + "/.demagnetize/config.yaml"
}

func writeTorrent(res *session.Result, template string) error {
	b, err := res.Torrent()
	if err != nil {
		return err
	}
	if template == "-" {
		_, err = os.Stdout.Write(b)
		return err
	}
	path := res.OutputName(template)
	if err = os.WriteFile(path, b, 0o666); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Saved to", path)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
