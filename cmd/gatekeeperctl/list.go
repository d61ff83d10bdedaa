package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
)

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list pending approvals",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			views, err := newClient(cmd.Root().String("addr")).listApprovals()
			if err != nil {
				return err
			}
			if len(views) == 0 {
				fmt.Println("no pending approvals")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tAGENT\tCOMMAND\tCWD\tEXPIRES")
			for _, v := range views {
				expires := time.UnixMilli(v.ExpiresAtMs).Format(time.Kitchen)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.ID, v.AgentID, v.CommandText, v.Cwd, expires)
			}
			return tw.Flush()
		},
	}
}
