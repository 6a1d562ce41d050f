package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codefionn/iqdump/internal/protocol"
	"github.com/codefionn/iqdump/internal/socketclient"
	"github.com/codefionn/iqdump/internal/socketutil"
)

var (
	dumpBand    string
	fetchOutput string
)

var dumpCmd = &cobra.Command{
	Use:   "dump NAME",
	Short: "Capture the IQ buffer of a band into NAME on the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		band, err := protocol.ParseBand(dumpBand)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *socketclient.Client) error {
			if err := c.DumpIQ(ctx, band, args[0]); err != nil {
				return fmt.Errorf("dump %s: %w", band, err)
			}
			printOK(cmd, "dumped %s IQ samples to %s", band, args[0])
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the .txt files from the server's temp directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *socketclient.Client) error {
			if err := c.DeleteFiles(ctx); err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			printOK(cmd, "deleted dump files")
			return nil
		})
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch NAME",
	Short: "Download NAME from the server's temp directory",
	Long:  "Download NAME from the server's temp directory. Use --output - to write to stdout.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		output := fetchOutput
		if output == "" {
			output = filepath.Base(name)
		}

		return withClient(cmd, func(ctx context.Context, c *socketclient.Client) error {
			if output == "-" {
				_, err := c.CopyFile(ctx, name, cmd.OutOrStdout())
				return err
			}
			return fetchToFile(ctx, c, name, output, cmd)
		})
	},
}

// fetchToFile writes into a temporary sibling and renames it into place, so a
// failed transfer never leaves a truncated file behind
func fetchToFile(ctx context.Context, c *socketclient.Client, name, output string, cmd *cobra.Command) error {
	tmp, err := os.CreateTemp(filepath.Dir(output), "."+filepath.Base(output)+".*")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := c.CopyFile(ctx, name, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), output); err != nil {
		return fmt.Errorf("failed to save %s: %w", output, err)
	}

	printOK(cmd, "fetched %s (%d bytes) to %s", name, n, output)
	return nil
}

var setRegCmd = &cobra.Command{
	Use:   "setreg ADDRESS VALUE",
	Short: "Write a 32-bit register",
	Long:  "Write a 32-bit register. ADDRESS and VALUE accept decimal, 0x hex or 0 octal.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, err := parseUint32(args[0])
		if err != nil {
			return fmt.Errorf("invalid address: %w", err)
		}
		value, err := parseUint32(args[1])
		if err != nil {
			return fmt.Errorf("invalid value: %w", err)
		}
		return withClient(cmd, func(ctx context.Context, c *socketclient.Client) error {
			if err := c.SetRegister(ctx, address, value); err != nil {
				return fmt.Errorf("setreg: %w", err)
			}
			printSent(cmd, "register 0x%08X = 0x%08X", address, value)
			return nil
		})
	},
}

var shellCmd = &cobra.Command{
	Use:   "shell COMMAND...",
	Short: "Run a shell command line on the server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		return withClient(cmd, func(ctx context.Context, c *socketclient.Client) error {
			if err := c.Shell(ctx, text); err != nil {
				return fmt.Errorf("shell: %w", err)
			}
			printSent(cmd, "shell %q", text)
			return nil
		})
	},
}

var ateInitCmd = &cobra.Command{
	Use:   "ate-init",
	Short: "Create and bring up the ATE interfaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *socketclient.Client) error {
			if err := c.AteInit(ctx); err != nil {
				return fmt.Errorf("ate-init: %w", err)
			}
			printSent(cmd, "ATE init")
			return nil
		})
	},
}

var ateCmd = &cobra.Command{
	Use:   "ate ARGS...",
	Short: "Run the ATE tool with ARGS",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		return withClient(cmd, func(ctx context.Context, c *socketclient.Client) error {
			if err := c.AteCommand(ctx, text); err != nil {
				return fmt.Errorf("ate: %w", err)
			}
			printSent(cmd, "ATE %q", text)
			return nil
		})
	},
}

var captureCmd = &cobra.Command{
	Use:   "capture NAME",
	Short: "Dump, fetch and clean up in one go",
	Long: `Capture the IQ buffer of a band into NAME on the server, download it to
--output (default ./NAME) and delete the server's dump files afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		band, err := protocol.ParseBand(dumpBand)
		if err != nil {
			return err
		}
		name := args[0]
		output := fetchOutput
		if output == "" {
			output = filepath.Base(name)
		}

		return withClient(cmd, func(ctx context.Context, c *socketclient.Client) error {
			if err := c.DumpIQ(ctx, band, name); err != nil {
				return fmt.Errorf("dump %s: %w", band, err)
			}
			var fetchErr error
			if output == "-" {
				_, fetchErr = c.CopyFile(ctx, name, cmd.OutOrStdout())
			} else {
				fetchErr = fetchToFile(ctx, c, name, output, cmd)
			}
			if fetchErr != nil {
				return fetchErr
			}
			if err := c.DeleteFiles(ctx); err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the server accepts connections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !socketutil.DetectServer(cmd.Context(), serverAddr) {
			return fmt.Errorf("no server reachable at %s", serverAddr)
		}
		printOK(cmd, "server reachable at %s", serverAddr)
		return nil
	},
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func init() {
	for _, c := range []*cobra.Command{dumpCmd, captureCmd} {
		c.Flags().StringVarP(&dumpBand, "band", "b", "5g", "Band to capture (5g or 2.4g)")
	}
	for _, c := range []*cobra.Command{fetchCmd, captureCmd} {
		c.Flags().StringVarP(&fetchOutput, "output", "o", "", "Local destination; - writes to stdout")
	}

	rootCmd.AddCommand(dumpCmd, deleteCmd, fetchCmd, setRegCmd, shellCmd, ateInitCmd, ateCmd, captureCmd, statusCmd)
}
