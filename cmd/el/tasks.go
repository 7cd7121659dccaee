package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks carry an escrowed reward. The creator funds it on create, picks one applicant as assignee, and the escrow is released to the assignee on completion.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskApplyCmd())
	task.AddCommand(taskApplicationsCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskEscrowCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var reward string
	var deadline string
	var within time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task and lock its reward",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Creator = actorID()
			amount, err := parseAmount("reward", reward)
			if err != nil {
				return err
			}
			opts.Reward = amount
			switch {
			case deadline != "":
				if opts.Deadline, err = time.Parse(time.RFC3339, deadline); err != nil {
					return fmt.Errorf("--deadline must be RFC3339: %w", err)
				}
			case within > 0:
				opts.Deadline = time.Now().Add(within)
			default:
				return fmt.Errorf("--deadline or --within required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&reward, "reward", "", "reward amount")
	cmd.Flags().StringVar(&opts.Token, "token", "", "reward token (defaults to config escrow.default_token)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().DurationVar(&within, "within", 0, "deadline relative to now, e.g. 72h")
	cmd.Flags().BoolVar(&opts.HasInsurance, "insured", false, "pay the insurance premium")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category")
	cmd.Flags().StringArrayVar(&opts.Tags, "tag", []string{}, "tag (repeatable)")
	cmd.Flags().StringVar(&opts.MetadataHash, "metadata-hash", "", "hash of off-chain task metadata")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("reward")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"ID", "Title", "Status", "Reward", "Creator", "Assignee", "Deadline"})
				for _, t := range tasks {
					reward := t.Reward.String() + " " + t.Token
					if t.HasInsurance {
						reward += " (insured)"
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, reward, t.Creator, stringOrDash(t.Assignee), t.Deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Creator, "creator", "", "creator filter")
	cmd.Flags().StringVar(&f.Assignee, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.Tag, "tag", "", "tag filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its milestones and disputes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, id)
				if err != nil {
					return err
				}
				milestones, err := e.ListMilestones(ctx, id)
				if err != nil {
					return err
				}
				disputes, err := e.ListDisputes(ctx, id)
				if err != nil {
					return err
				}
				h, err := e.Holding(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(struct {
					domain.Task
					Escrow     domain.Holding     `json:"escrow"`
					Milestones []domain.Milestone `json:"milestones"`
					Disputes   []domain.Dispute   `json:"disputes"`
				}{t, h, milestones, disputes})
			})
		},
	}
	return cmd
}

func taskApplyCmd() *cobra.Command {
	var proposal string
	cmd := &cobra.Command{
		Use:   "apply <task-id>",
		Short: "Apply for an open task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ApplyForTask(ctx, id, actorID(), proposal)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&proposal, "proposal", "", "proposal text")
	return cmd
}

func taskApplicationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "applications <task-id>",
		Short: "List applications for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.GetApplications(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Applicant", "Proposal", "Applied"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Applicant, a.Proposal, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "assign <task-id>",
		Short: "Assign a task to one of its applicants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AssignTask(ctx, id, actorID(), assignee)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "applicant to assign")
	_ = cmd.MarkFlagRequired("assignee")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a task and release the escrow to the assignee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, id, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskEscrowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrow <task-id>",
		Short: "Show the escrow holding and ledger entries of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.Holding(ctx, id)
				if err != nil {
					return err
				}
				entries, err := e.Entries(ctx, entryFilters("", id))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"holding": h, "entries": entries})
			})
		},
	}
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:   "milestone",
		Short: "Manage task milestones",
		Long:  "Milestones split an in-progress task into checkpoints. Their rewards are bookkeeping within the task reward; the escrow is paid once, on task completion.",
	}
	ms.AddCommand(milestoneCreateCmd())
	ms.AddCommand(milestoneListCmd())
	ms.AddCommand(milestoneCompleteCmd())
	ms.AddCommand(milestoneRejectCmd())
	return ms
}

func milestoneCreateCmd() *cobra.Command {
	var opts engine.MilestoneCreateOptions
	var reward string
	cmd := &cobra.Command{
		Use:   "create <task-id>",
		Short: "Add a milestone (creator only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.TaskID, err = parseTaskID(args[0]); err != nil {
				return err
			}
			if opts.Reward, err = parseAmount("reward", reward); err != nil {
				return err
			}
			opts.Caller = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMilestone(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&reward, "reward", "", "milestone reward")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("reward")
	return cmd
}

func milestoneListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List milestones of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMilestones(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Title", "Reward", "Status", "Proof"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Title, m.Reward.String(), m.Status, m.ProofHash})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func milestoneCompleteCmd() *cobra.Command {
	var proof string
	cmd := &cobra.Command{
		Use:   "complete <task-id> <milestone-id>",
		Short: "Mark a milestone completed (assignee only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			msID, err := parseID("milestone", args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CompleteMilestone(ctx, taskID, msID, actorID(), proof)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&proof, "proof", "", "hash of the delivered work")
	return cmd
}

func milestoneRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <task-id> <milestone-id>",
		Short: "Reject a completed milestone (creator only, final)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			msID, err := parseID("milestone", args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RejectMilestone(ctx, taskID, msID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func disputeCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dispute",
		Short: "Open and resolve disputes",
		Long:  "Either party of a started task may open a dispute. While it is open the task cannot be completed. An arbiter resolves it for the creator (cancel and refund) or for the assignee (complete and release).",
	}
	d.AddCommand(disputeCreateCmd())
	d.AddCommand(disputeListCmd())
	d.AddCommand(disputeShowCmd())
	d.AddCommand(disputeResolveCmd())
	return d
}

func disputeCreateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "create <task-id>",
		Short: "Open a dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDispute(ctx, id, actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is disputed")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func disputeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List disputes of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDisputes(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Initiator", "Status", "Favors", "Compensation", "Reason"})
				for _, d := range items {
					favors := "-"
					if d.Status == domain.DisputeResolved {
						favors = "assignee"
						if d.FavorsCreator {
							favors = "creator"
						}
					}
					tw.AppendRow(table.Row{d.ID, d.Initiator, d.Status, favors, d.Compensation.String(), d.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func disputeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id> <dispute-id>",
		Short: "Show a dispute",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			disputeID, err := parseID("dispute", args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDispute(ctx, taskID, disputeID)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func disputeResolveCmd() *cobra.Command {
	var opts engine.ResolveDisputeOptions
	var favor string
	cmd := &cobra.Command{
		Use:   "resolve <task-id> <dispute-id>",
		Short: "Resolve a dispute (arbiters only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.TaskID, err = parseTaskID(args[0]); err != nil {
				return err
			}
			if opts.DisputeID, err = parseID("dispute", args[1]); err != nil {
				return err
			}
			switch favor {
			case "creator":
				opts.FavorsCreator = true
			case "assignee":
				opts.FavorsCreator = false
			default:
				return fmt.Errorf("--favor must be creator or assignee")
			}
			opts.Caller = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ResolveDispute(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&favor, "favor", "", "creator or assignee")
	cmd.Flags().StringVar(&opts.Resolution, "resolution", "", "ruling text")
	_ = cmd.MarkFlagRequired("favor")
	return cmd
}
