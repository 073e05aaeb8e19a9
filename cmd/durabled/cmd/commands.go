package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nvcnvn/durable"
	"github.com/nvcnvn/durable/internal/config"
	"github.com/spf13/cobra"
)

func newSeedCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the workflow_items table if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.store.Seed(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema ready")
			return nil
		},
	}
}

func newQueueCmd(cfg *config.Config) *cobra.Command {
	var (
		id            string
		throwIfExists bool
		eta           string
		throttleGroup string
		rate          float64
		groupName     string
	)
	cmd := &cobra.Command{
		Use:   "queue <workflow> [json-input]",
		Short: "Queue a workflow and print its id",
		Example: `  durabled queue send '"a@example.com"'
  durabled queue verify '"a@example.com"' --id verify-a`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := json.RawMessage("null")
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("input is not valid JSON: %s", args[1])
				}
				input = json.RawMessage(args[1])
			}

			var opts []durable.QueueOption
			if id != "" {
				opts = append(opts, durable.WithID(id))
			}
			if throwIfExists {
				opts = append(opts, durable.ThrowIfExists())
			}
			if eta != "" {
				at, err := time.Parse(time.RFC3339, eta)
				if err != nil {
					return fmt.Errorf("invalid --eta: %w", err)
				}
				opts = append(opts, durable.WithETA(at))
			}
			if throttleGroup != "" {
				opts = append(opts, durable.WithThrottle(throttleGroup, rate))
			}
			if groupName != "" {
				opts = append(opts, durable.WithGroupName(groupName))
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			wfID, err := a.engine.Queue(cmd.Context(), args[0], input, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), wfID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workflow id (default: random)")
	cmd.Flags().BoolVar(&throwIfExists, "throw-if-exists", false, "fail if --id is taken")
	cmd.Flags().StringVar(&eta, "eta", "", "earliest start time (RFC 3339)")
	cmd.Flags().StringVar(&throttleGroup, "throttle-group", "", "space starts within this group")
	cmd.Flags().Float64Var(&rate, "rate", 1, "max starts per second in --throttle-group")
	cmd.Flags().StringVar(&groupName, "group-name", "", "application defined group tag")
	return cmd
}

func newRaiseCmd(cfg *config.Config) *cobra.Command {
	var throwIfNotWaiting bool
	cmd := &cobra.Command{
		Use:     "raise <workflow-id> <event> [json-result]",
		Short:   "Deliver an external event to a waiting workflow",
		Example: `  durabled raise 0b6f... verify '"a@example.com"'`,
		Args:    cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := durable.Event{Name: args[1]}
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("result is not valid JSON: %s", args[2])
				}
				ev.Result = json.RawMessage(args[2])
			}

			var opts []durable.EventOption
			if throwIfNotWaiting {
				opts = append(opts, durable.ThrowIfNotWaiting())
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return a.engine.RaiseEvent(cmd.Context(), args[0], ev, opts...)
		},
	}
	cmd.Flags().BoolVar(&throwIfNotWaiting, "throw-if-not-waiting", false, "fail unless the workflow awaits this event")
	return cmd
}

func newGetCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "get <workflow-id>",
		Short: "Print the state of a workflow as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.engine.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(newStatusResponse(st))
		},
	}
}
