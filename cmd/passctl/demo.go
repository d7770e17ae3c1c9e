package main

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/app"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
	cardrepo "github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/repo"
	queueentity "github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/entity"
)

// printBroadcaster writes PWA updates to the terminal instead of NATS.
type printBroadcaster struct {
	w io.Writer
}

func (p printBroadcaster) Publish(subject string, data []byte) error {
	_, err := fmt.Fprintf(p.w, "%s %s\n", subject, data)
	return err
}

func demoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Add the last stamp to a fresh card and sync it, twice, against in-memory storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			required, _ := cmd.Flags().GetInt("stamps")
			if required < 1 {
				return fmt.Errorf("stamps must be at least 1")
			}
			if err := cmd.Flags().Set("memory", "true"); err != nil {
				return err
			}

			cards := cardrepo.NewMemoryRepo()
			id := uuid.NewString()
			cards.Put(id, entity.Source{
				Stamp: &entity.StampCard{
					ID:             "demo-stamp",
					Business:       entity.Business{ID: "demo", Name: "Demo Coffee"},
					Name:           "Coffee Card",
					StampsRequired: required,
					Reward:         "Free coffee",
				},
				Progress: &entity.CustomerProgress{
					CustomerCardID: id,
					CustomerName:   "Demo Customer",
					CurrentStamps:  required - 1,
					UpdatedAt:      time.Now().UTC(),
				},
			})

			a, done, err := open(cmd, app.WithCardSource(cards), app.WithBroadcaster(printBroadcaster{w: cmd.OutOrStdout()}))
			if err != nil {
				return err
			}
			defer done()
			ctx := cmd.Context()

			cards.Update(id, func(p *entity.CustomerProgress) {
				p.CurrentStamps++
				p.UpdatedAt = time.Now().UTC()
			})
			// the second item is a duplicate and must leave the card unchanged
			for i := 0; i < 2; i++ {
				if _, err := a.Queue.Enqueue(ctx, id, queueentity.StampAdded, nil, queueentity.PlatformPWA); err != nil {
					return err
				}
			}
			if _, err := a.Dispatcher.Drain(ctx); err != nil {
				return err
			}

			items, err := a.Queue.ListByCard(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}

	cmd.Flags().Int("stamps", 10, "Stamps required by the demo card")

	return cmd
}
