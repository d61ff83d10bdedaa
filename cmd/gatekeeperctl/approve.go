package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/urfave/cli/v3"

	"cmdgate/approval"
)

func approveCommand() *cli.Command {
	return &cli.Command{
		Name:  "approve",
		Usage: "resolve a pending approval, or pick one interactively if no id is given",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id"},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "decision", Value: "allow-once", Usage: "allow-once | allow-always | deny"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c := newClient(cmd.Root().String("addr"))
			operator := cmd.Root().String("operator")

			id := cmd.StringArg("id")
			decision := cmd.String("decision")

			if id == "" {
				views, err := c.listApprovals()
				if err != nil {
					return err
				}
				if len(views) == 0 {
					fmt.Println("no pending approvals")
					return nil
				}

				var chosen string
				options := make([]huh.Option[string], 0, len(views))
				for _, v := range views {
					label := fmt.Sprintf("%s  %s  (%s)", v.ID, v.CommandText, v.AgentID)
					options = append(options, huh.NewOption(label, v.ID))
				}

				var chosenDecision string
				form := huh.NewForm(
					huh.NewGroup(
						huh.NewSelect[string]().
							Title("Select a pending command to resolve").
							Options(options...).
							Value(&chosen),
						huh.NewSelect[string]().
							Title("Decision").
							Options(
								huh.NewOption("Allow once", string(approval.DecisionAllowOnce)),
								huh.NewOption("Allow always", string(approval.DecisionAllowAlways)),
								huh.NewOption("Deny", string(approval.DecisionDeny)),
							).
							Value(&chosenDecision),
					),
				)
				if err := form.Run(); err != nil {
					return fmt.Errorf("gatekeeperctl: interactive prompt: %w", err)
				}
				id = chosen
				decision = chosenDecision
			}

			if err := c.resolveApproval(id, decision, operator, []string{approval.RequiredScope}); err != nil {
				return err
			}
			fmt.Printf("%s resolved as %s\n", id, decision)
			return nil
		},
	}
}
