package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackmichael/timeline-cache/internal/client"
	"github.com/blackmichael/timeline-cache/internal/live"
)

var (
	postCmd = &cobra.Command{
		Use:   "post MESSAGE",
		Short: "Publish a post through a running server",
		Args:  cobra.ExactArgs(1),
		RunE:  runPost,
	}

	tailCmd = &cobra.Command{
		Use:   "tail UID",
		Short: "Stream new home timeline entries of a user from a running server",
		Args:  cobra.ExactArgs(1),
		RunE:  runTail,
	}
)

func init() {
	for _, cmd := range []*cobra.Command{postCmd, tailCmd} {
		cmd.Flags().String("server", "http://localhost:3000", "base URL of the timeline server")
	}
	postCmd.Flags().Int64("as", 0, "user id to post as")
	_ = postCmd.MarkFlagRequired("as")

	rootCmd.AddCommand(postCmd, tailCmd)
}

func runPost(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	uid, _ := cmd.Flags().GetInt64("as")

	post, err := client.New(server, uid).CreatePost(cmd.Context(), args[0], nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "posted %s at %s\n", post.Ref(), post.CreatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func runTail(cmd *cobra.Command, args []string) error {
	uid, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid uid %q: %w", args[0], err)
	}
	server, _ := cmd.Flags().GetString("server")
	wsURL := "ws" + strings.TrimPrefix(strings.TrimSuffix(server, "/"), "http") + "/v1/live"

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	enc := json.NewEncoder(cmd.OutOrStdout())
	sub := live.NewSubscriber(wsURL, uid, func(m live.Message) {
		enc.Encode(m.Entry)
	}, logger)

	ctx, cancel := signalContext()
	defer cancel()
	if err := sub.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
