// Copyright (c) 2026 dotandev
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"

	"github.com/dotandev/deobf/internal/classtable"
	"github.com/dotandev/deobf/internal/oracle"
	"github.com/spf13/cobra"
)

var (
	oraclePortFlag      string
	oracleAuthTokenFlag string
	oracleClassesFlag   string
)

var oracleCmd = &cobra.Command{
	Use:   "oracle",
	Short: "Run the execution oracle as a service or executor process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var oracleServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve oracle.Execute over JSON-RPC 2.0",
	Long: `Start a JSON-RPC 2.0 server exposing the in-process interpreter. Point
oracle_url (or DEOBF_ORACLE_URL) at http://host:port/rpc to use it from fold.

Endpoints:
  - /rpc     oracle.Execute
  - /health  liveness probe`,
	Example: `  deobf oracle serve --port 8745
  deobf oracle serve --port 8745 --classes Keys.jasm --auth-token secret`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		it, err := serverInterpreter(cmd)
		if err != nil {
			return err
		}
		svc := oracle.NewService(it, oracleAuthTokenFlag)

		fmt.Fprintf(cmd.ErrOrStderr(), "Starting oracle on port %s\n", oraclePortFlag)
		if oracleAuthTokenFlag != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), "Authentication: enabled")
		}
		return svc.Serve(cmd.Context(), ":"+oraclePortFlag)
	},
}

var oracleExecCmd = &cobra.Command{
	Use:    "exec",
	Short:  "Run one request from stdin and write the response to stdout",
	Long:   `Executor side of the oracle_path process protocol. Not meant for interactive use.`,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		it, err := serverInterpreter(cmd)
		if err != nil {
			return err
		}
		return oracle.ServeProcess(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), it)
	},
}

// serverInterpreter builds the interpreter served by this process, with
// the bodies from --classes available for calls.
func serverInterpreter(cmd *cobra.Command) (*oracle.Interpreter, error) {
	var table classtable.Table
	if oracleClassesFlag != "" {
		in, err := readInput(oracleClassesFlag, cmd.InOrStdin())
		if err != nil {
			return nil, err
		}
		table = in.Table
	}
	it := oracle.NewInterpreter(oracle.Standard(), table)
	if cfg.OracleMaxSteps > 0 {
		it.MaxSteps = cfg.OracleMaxSteps
	}
	return it, nil
}

func init() {
	oracleServeCmd.Flags().StringVarP(&oraclePortFlag, "port", "p", "8745", "Port to listen on")
	oracleServeCmd.Flags().StringVar(&oracleAuthTokenFlag, "auth-token", os.Getenv("DEOBF_ORACLE_TOKEN"), "Token clients must present")
	oracleCmd.PersistentFlags().StringVar(&oracleClassesFlag, "classes", "", "Listing whose methods calls may resolve to")

	oracleCmd.AddCommand(oracleServeCmd, oracleExecCmd)
	rootCmd.AddCommand(oracleCmd)
}
