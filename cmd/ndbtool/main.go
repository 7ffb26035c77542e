// Command ndbtool is a small inspection CLI for an ndb database
// directory: stats, list, get, and verify, the Go-native
// equivalent of rpmpkg.c's rpmpkgStats/debug printfs.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rpm-software-management/go-ndb/ndb"
)

var (
	dbDir    string
	readOnly bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ndbtool",
		Short: "Inspect an ndb package-header database",
	}
	root.PersistentFlags().StringVar(&dbDir, "dir", ".", "database home directory")
	root.PersistentFlags().BoolVar(&readOnly, "read-only", true, "open the database read-only")

	root.AddCommand(newStatsCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newGetCmd())
	root.AddCommand(newVerifyCmd())
	return root
}

func openEnv() (*ndb.Env, error) {
	return ndb.Open(ndb.Options{
		Dir:      dbDir,
		ReadOnly: readOnly,
		Logger:   logrus.NewEntry(logrus.StandardLogger()),
	})
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the number of live packages in PkgDB",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			ids, err := env.PkgdbKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "packages: %d\n", len(ids))
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every live package id",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			ids, err := env.PkgdbKey()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <pkgidx>",
		Short: "Print the byte length of a package header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			var pkgidx int
			if _, err := fmt.Sscanf(args[0], "%d", &pkgidx); err != nil {
				return fmt.Errorf("ndbtool: invalid pkgidx %q", args[0])
			}
			blob, err := env.PkgdbGet(pkgidx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d bytes\n", len(blob))
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that secondary indexes are in sync with PkgDB",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.Verify(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
