package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func buildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [card-id]",
		Short: "Render one platform's pass for a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, _ := cmd.Flags().GetString("platform")
			out, _ := cmd.Flags().GetString("output")

			a, done, err := open(cmd)
			if err != nil {
				return err
			}
			defer done()

			ctx := cmd.Context()
			switch platform {
			case "apple":
				arc, err := a.Passes.Apple(ctx, args[0])
				if err != nil {
					return err
				}
				if out == "" {
					out = arc.Filename
				}
				if err := os.WriteFile(out, arc.Bytes, 0o644); err != nil {
					return fmt.Errorf("write archive: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes, serial %s)\n", out, len(arc.Bytes), arc.SerialNumber)
				return nil
			case "google":
				res, err := a.Passes.Google(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"saveUrl":  res.SaveURL,
					"classId":  res.ClassID,
					"objectId": res.ObjectID,
				})
			case "pwa":
				doc, err := a.Passes.PWA(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), doc)
			default:
				return fmt.Errorf("unknown platform %q", platform)
			}
		},
	}

	cmd.Flags().StringP("platform", "p", "pwa", "Platform to render (apple, google, pwa)")
	cmd.Flags().StringP("output", "o", "", "Archive path for apple; defaults to <serial>.pkpass")

	return cmd
}
