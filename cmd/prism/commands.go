package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ssd-technologies/prism/internal/pipeline"
	"github.com/ssd-technologies/prism/internal/protocol"
	"github.com/ssd-technologies/prism/internal/storage"
)

func newProtocolsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "protocols",
		Short: "Inspect deliberation protocols",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered and built-in protocols",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(cmd.Context(), func(_ *storage.DB, c *protocol.Catalog) error {
				protos, err := c.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tLAYERS\tSTAGES")
				for _, p := range protos {
					names := make([]string, 0, len(p.Stages))
					for _, s := range p.Stages {
						names = append(names, s.Name)
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\n", p.Name, len(p.Stages), strings.Join(names, ","))
				}
				return tw.Flush()
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Print a protocol as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(cmd.Context(), func(_ *storage.DB, c *protocol.Catalog) error {
				p, err := c.GetByName(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, p)
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func newInitCmd(a *app) *cobra.Command {
	var in pipeline.ClaimInput
	var protoName string

	cmd := &cobra.Command{
		Use:   "init <claim-id>",
		Short: "Start the pipeline for a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ID = args[0]
			return a.withEngine(cmd.Context(), func(e *pipeline.Engine) error {
				res, err := e.InitPipeline(cmd.Context(), in, protoName)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "claim title")
	cmd.Flags().StringVar(&in.Body, "body", "", "claim body")
	cmd.Flags().StringVar(&in.Domain, "domain", "", "claim domain")
	cmd.Flags().StringVar(&protoName, "protocol", "", "protocol name (default from config)")
	return cmd
}

func newGrantCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <agent-id> <amount>",
		Short: "Credit an agent's balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			return a.withEngine(cmd.Context(), func(e *pipeline.Engine) error {
				balance, err := e.Grant(cmd.Context(), args[0], amount)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s balance: %d\n", args[0], balance)
				return nil
			})
		},
	}
}

func (a *app) withCatalog(ctx context.Context, fn func(*storage.DB, *protocol.Catalog) error) error {
	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	c := protocol.NewCatalog(db, a.cfg.Pipeline.DefaultProtocol, a.logger.Named("catalog"))
	if a.cfg.Pipeline.ProtocolsFile != "" {
		if _, err := c.LoadFile(ctx, a.cfg.Pipeline.ProtocolsFile); err != nil {
			return err
		}
	}
	return fn(db, c)
}

func (a *app) withEngine(ctx context.Context, fn func(*pipeline.Engine) error) error {
	return a.withCatalog(ctx, func(db *storage.DB, c *protocol.Catalog) error {
		e := pipeline.New(db, c, pipeline.Options{
			StakeAmount:     a.cfg.Stake.Amount,
			InitialGrant:    a.cfg.Stake.InitialGrant,
			ExpireAfter:     a.cfg.Slots.ExpireAfter,
			RoutingFallback: a.cfg.Pipeline.RoutingFallback,
		}, nil, a.logger.Named("pipeline"))
		return fn(e)
	})
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
