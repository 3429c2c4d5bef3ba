// Command unbind removes the on-disk cluster state for one database,
// after first checking that no .store.lock file exists in its directory.
// The leifraft member process does not create that file.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const lockFileName = ".store.lock"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "unbind --database=NAME --data-dir=DIR",
	Short: "Remove the persisted cluster state for a database",
	Long: `unbind checks that a database has no .store.lock file, then
deletes its cluster-state directory tree. It refuses to run while that
file exists, and refuses against a database directory that does not
exist. The leifraft member process does not create the lock file.`,
	RunE: runUnbind,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("database", "", "Name of the database whose cluster state should be removed")
	flags.String("data-dir", "./leifraft-data", "Parent directory holding per-database cluster-state directories")
	rootCmd.MarkFlagRequired("database")
}

func runUnbind(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	database, _ := flags.GetString("database")
	dataDir, _ := flags.GetString("data-dir")

	dbDir := filepath.Join(dataDir, database)
	info, err := os.Stat(dbDir)
	if os.IsNotExist(err) {
		return fmt.Errorf("database %q has no cluster-state directory at %s", database, dbDir)
	}
	if err != nil {
		return fmt.Errorf("statting %s: %w", dbDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dbDir)
	}

	lockPath := filepath.Join(dbDir, lockFileName)
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("database %q is locked (found %s) — a member may still be running against it", database, lockPath)
		}
		return fmt.Errorf("acquiring lock %s: %w", lockPath, err)
	}
	fmt.Fprintf(lock, "%d\n", os.Getpid())
	lock.Close()

	if err := os.RemoveAll(dbDir); err != nil {
		os.Remove(lockPath)
		return fmt.Errorf("removing %s: %w", dbDir, err)
	}

	fmt.Printf("unbound %q (removed %s)\n", database, dbDir)
	return nil
}
