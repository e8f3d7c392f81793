// smite is the operator CLI for a docker-compose deployment of the
// panel. It shells out to docker compose in the install directory and
// passes exit codes through untouched.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

var version = "dev"

// installDir is where the compose file and .env live.
func installDir() string {
	if dir := os.Getenv("SMITE_HOME"); dir != "" {
		return dir
	}
	return "/opt/smite"
}

// runCompose executes docker compose with the given args in the install
// directory, inheriting stdio.
func runCompose(args ...string) error {
	cmd := exec.Command("docker", append([]string{"compose"}, args...)...)
	cmd.Dir = installDir()
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// exitWith propagates the child's exit code.
func exitWith(err error) {
	if err == nil {
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.ExitCode())
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func editFile(name string) error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "nano"
	}
	cmd := exec.Command(editor, filepath.Join(installDir(), name))
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func main() {
	root := &cobra.Command{
		Use:     "smite",
		Short:   "Manage a Smite panel deployment",
		Version: version,
	}

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show container status",
		Run: func(cmd *cobra.Command, args []string) {
			exitWith(runCompose("ps"))
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "update",
		Short: "Pull the latest images and recreate containers",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runCompose("pull"); err != nil {
				exitWith(err)
			}
			exitWith(runCompose("up", "-d", "--remove-orphans"))
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "restart [service]",
		Short: "Restart all containers, or one service",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			exitWith(runCompose(append([]string{"restart"}, args...)...))
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "edit",
		Short: "Edit docker-compose.yml and restart",
		Run: func(cmd *cobra.Command, args []string) {
			if err := editFile("docker-compose.yml"); err != nil {
				exitWith(err)
			}
			exitWith(runCompose("up", "-d"))
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "edit-env",
		Short: "Edit the .env file and recreate containers",
		Run: func(cmd *cobra.Command, args []string) {
			if err := editFile(".env"); err != nil {
				exitWith(err)
			}
			exitWith(runCompose("up", "-d", "--force-recreate"))
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs [service]",
		Short: "Tail container logs",
		Args:  cobra.MaximumNArgs(1),
	}
	follow := logsCmd.Flags().BoolP("follow", "f", false, "Follow log output")
	tail := logsCmd.Flags().String("tail", "200", "Number of lines to show")
	logsCmd.Run = func(cmd *cobra.Command, args []string) {
		composeArgs := []string{"logs", "--tail", *tail}
		if *follow {
			composeArgs = append(composeArgs, "-f")
		}
		exitWith(runCompose(append(composeArgs, args...)...))
	}
	root.AddCommand(logsCmd)

	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage panel admin users",
	}
	adminCmd.AddCommand(adminSubcommand("create", "--create-admin", "Create a panel admin user"))
	adminCmd.AddCommand(adminSubcommand("update", "--reset-password", "Reset a panel admin's password"))
	root.AddCommand(adminCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// adminSubcommand wraps the panel binary's admin commands inside the
// running panel container.
func adminSubcommand(name, panelFlag, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
	}
	username := cmd.Flags().String("username", "", "Username")
	password := cmd.Flags().String("password", "", "Password")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("password")
	cmd.Run = func(c *cobra.Command, args []string) {
		exitWith(runCompose("exec", "panel", "smite-panel", panelFlag,
			"--username", *username, "--password", *password))
	}
	return cmd
}
