package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	core "github.com/lawyrs/counsel/internal/agent/core"
	srv "github.com/lawyrs/counsel/internal/server"
	"github.com/lawyrs/counsel/internal/store"
)

func main() {
	var root = &cobra.Command{Use: "counsel"}

	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path")

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveAddr == "" {
				serveAddr = os.Getenv("COUNSEL_HTTP_ADDR")
			}
			return srv.Run(cfgPath, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address")

	var classify = &cobra.Command{
		Use:   "classify [message]",
		Short: "Print the routing decision for a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := args[0]
			route := core.NewClassifier().Classify(message, nil)
			out, err := json.MarshalIndent(route, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	var clearSession = &cobra.Command{
		Use:   "clear-session [session-id]",
		Short: "Truncate all turns for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := store.New(ctx)
			if err != nil {
				return err
			}
			return st.ClearSession(ctx, args[0])
		},
	}

	root.AddCommand(serve, classify, clearSession)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
