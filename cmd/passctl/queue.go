package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/entity"
)

func enqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue [card-id]",
		Short: "Queue a pass update for a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			names, _ := cmd.Flags().GetStringSlice("platform")
			meta, _ := cmd.Flags().GetString("metadata")
			var metadata json.RawMessage
			if meta != "" {
				if !json.Valid([]byte(meta)) {
					return fmt.Errorf("metadata is not valid JSON")
				}
				metadata = json.RawMessage(meta)
			}
			platforms := make([]entity.Platform, 0, len(names))
			for _, n := range names {
				platforms = append(platforms, entity.Platform(n))
			}

			a, done, err := open(cmd)
			if err != nil {
				return err
			}
			defer done()
			it, err := a.Queue.Enqueue(cmd.Context(), args[0], entity.UpdateKind(kind), metadata, platforms...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), it)
		},
	}

	cmd.Flags().StringP("kind", "k", string(entity.CardUpdated), "Update kind (stamp_added, session_used, card_completed, reward_redeemed, card_updated)")
	cmd.Flags().StringSliceP("platform", "p", nil, "Target platforms; defaults to every enabled platform")
	cmd.Flags().String("metadata", "", "Opaque JSON attached to the item")

	return cmd
}

func drainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Process queued updates until none are eligible",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := open(cmd)
			if err != nil {
				return err
			}
			defer done()

			if stale, _ := cmd.Flags().GetBool("recover"); stale {
				n, err := a.Dispatcher.RecoverStale(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "recovered %d stale items\n", n)
			}
			n, err := a.Dispatcher.Drain(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d items\n", n)
			if err != nil {
				return err
			}

			if show, _ := cmd.Flags().GetBool("failed"); show {
				items, err := a.Queue.ListFailed(cmd.Context(), 50)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), items)
			}
			return nil
		},
	}

	cmd.Flags().Bool("recover", true, "Return abandoned processing items to the queue first")
	cmd.Flags().Bool("failed", false, "List parked failures after draining")

	return cmd
}
