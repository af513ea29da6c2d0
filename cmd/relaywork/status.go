package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jaakkos/relaywork/internal/app"
	"github.com/jaakkos/relaywork/internal/broker"
	"github.com/jaakkos/relaywork/internal/domain"
	"github.com/jaakkos/relaywork/internal/policy"
)

// runStatusCommand implements "relaywork status [--all]": a one-shot summary of the
// registry, work queues and dead letters.
func runStatusCommand() {
	includeOffline := len(os.Args) > 2 && os.Args[2] == "--all"

	quiet := log.New(io.Discard, "", 0)
	cfg := loadConfig(policy.ConfigPath(), log.New(os.Stderr, "", 0))
	pol := policy.New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := broker.Connect(ctx, pol.NATSURL(), quiet, broker.WithName("relaywork-status"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	svc := app.NewService(client, pol, quiet)
	if err := svc.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := writeStatus(ctx, os.Stdout, svc, includeOffline); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func writeStatus(ctx context.Context, out io.Writer, svc *app.Service, includeOffline bool) error {
	entries, err := svc.Directory().List(ctx, func(e *domain.RegistryEntry) bool {
		return includeOffline || e.Status != domain.StatusOffline
	})
	if err != nil {
		return err
	}
	stats, err := svc.Queue().Stats(ctx)
	if err != nil {
		return err
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Capability < stats[j].Capability })
	dead, err := svc.DeadLetters().Depth(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "broker=%s registry=%s agents=%d queues=%d dead_letters=%d\n",
		svc.BrokerAddress(), svc.Policy().Namespace(), len(entries), len(stats), dead)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if len(entries) > 0 {
		fmt.Fprintln(tw, "\nHANDLE\tTYPE\tSTATUS\tTASKS\tHOST\tGUID")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", e.Handle, e.AgentType, e.Status, e.CurrentTaskCount, e.Hostname, e.GUID)
		}
	}
	if len(stats) > 0 {
		fmt.Fprintln(tw, "\nCAPABILITY\tDEPTH\tIN FLIGHT\tREDELIVERED")
		for _, s := range stats {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", s.Capability, s.Depth, s.InFlight, s.Redelivers)
		}
	}
	return tw.Flush()
}
