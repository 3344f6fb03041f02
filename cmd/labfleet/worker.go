package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/labfleet/pkg/client"
	"github.com/cuemby/labfleet/pkg/command"
)

// apiClient builds the API client from the persistent flags
func apiClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	actor, _ := cmd.Flags().GetString("actor")
	return client.New(server, actor)
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// Worker commands
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage fleet workers",
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers in a region",
	RunE: func(cmd *cobra.Command, args []string) error {
		region, _ := cmd.Flags().GetString("region")
		status, _ := cmd.Flags().GetString("status")

		ctx, cancel := cmdContext()
		defer cancel()
		workers, err := apiClient(cmd).ListWorkers(ctx, region, status)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tREGION\tSTATUS\tSERVICE\tLABS\tINSTANCE")
		for _, worker := range workers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				worker.ID, worker.Name, worker.Region, worker.Status,
				worker.ServiceStatus, worker.LabsCount, worker.InstanceID)
		}
		return w.Flush()
	},
}

var workerInspectCmd = &cobra.Command{
	Use:   "inspect ID",
	Short: "Show one worker as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		worker, err := apiClient(cmd).GetWorker(ctx, args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(worker, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var workerCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Provision a new worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		region, _ := cmd.Flags().GetString("region")
		instanceType, _ := cmd.Flags().GetString("instance-type")
		imageID, _ := cmd.Flags().GetString("image-id")

		ctx, cancel := cmdContext()
		defer cancel()
		worker, err := apiClient(cmd).CreateWorker(ctx, client.CreateWorkerRequest{
			Name:         args[0],
			Region:       region,
			InstanceType: instanceType,
			ImageID:      imageID,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Worker %s created (instance %s)\n", worker.ID, worker.InstanceID)
		return nil
	},
}

var workerImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Adopt existing instances as workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		region, _ := cmd.Flags().GetString("region")
		instanceID, _ := cmd.Flags().GetString("instance-id")
		imageName, _ := cmd.Flags().GetString("image-name")
		all, _ := cmd.Flags().GetBool("all")

		ctx, cancel := cmdContext()
		defer cancel()
		c := apiClient(cmd)

		if all {
			result, err := c.BulkImportWorkers(ctx, region, "", imageName)
			if err != nil {
				return err
			}
			fmt.Printf("Found %d instances: %d imported, %d skipped\n",
				result.TotalFound, result.TotalImported, result.TotalSkipped)
			for _, s := range result.Skipped {
				fmt.Printf("  skipped %s: %s\n", s.InstanceID, s.Reason)
			}
			return nil
		}

		worker, err := c.ImportWorker(ctx, client.ImportWorkerRequest{
			Region:     region,
			InstanceID: instanceID,
			ImageName:  imageName,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Worker %s imported (instance %s)\n", worker.ID, worker.InstanceID)
		return nil
	},
}

var workerStartCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Start a stopped worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		if err := apiClient(cmd).StartWorker(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("Worker starting")
		return nil
	},
}

var workerStopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Stop a running worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		ctx, cancel := cmdContext()
		defer cancel()
		if err := apiClient(cmd).StopWorker(ctx, args[0], reason); err != nil {
			return err
		}
		fmt.Println("Worker stopping")
		return nil
	},
}

var workerTerminateCmd = &cobra.Command{
	Use:   "terminate ID",
	Short: "Terminate a worker's instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		if err := apiClient(cmd).TerminateWorker(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("Worker terminated")
		return nil
	},
}

var workerDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Remove a worker record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		terminate, _ := cmd.Flags().GetBool("terminate")
		ctx, cancel := cmdContext()
		defer cancel()
		if err := apiClient(cmd).DeleteWorker(ctx, args[0], terminate); err != nil {
			return err
		}
		fmt.Println("Worker deleted")
		return nil
	},
}

var workerRefreshCmd = &cobra.Command{
	Use:   "refresh ID",
	Short: "Request an on-demand data refresh",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		decision, err := apiClient(cmd).RequestRefresh(ctx, args[0])
		if err != nil {
			return err
		}
		if decision.Scheduled {
			fmt.Printf("Refresh scheduled as %s (eta %.0fs)\n", decision.JobID, decision.ETASeconds)
			return nil
		}
		switch decision.Reason {
		case "rate_limited":
			fmt.Printf("Refresh skipped: rate limited, retry in %.0fs\n", decision.RetryAfterSeconds)
		case "background_job_imminent":
			fmt.Printf("Refresh skipped: background refresh runs in %.0fs\n", decision.SecondsUntilBackgroundJob)
		default:
			fmt.Printf("Refresh skipped: %s\n", decision.Reason)
		}
		return nil
	},
}

var workerIdleCmd = &cobra.Command{
	Use:   "idle-detection ID [on|off]",
	Short: "Toggle auto-pause for a worker",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[1] {
		case "on":
			enabled = true
		case "off":
			enabled = false
		default:
			return fmt.Errorf("argument must be 'on' or 'off'")
		}
		ctx, cancel := cmdContext()
		defer cancel()
		if err := apiClient(cmd).SetIdleDetection(ctx, args[0], enabled); err != nil {
			return err
		}
		fmt.Printf("Idle detection %s\n", args[1])
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerInspectCmd)
	workerCmd.AddCommand(workerCreateCmd)
	workerCmd.AddCommand(workerImportCmd)
	workerCmd.AddCommand(workerStartCmd)
	workerCmd.AddCommand(workerStopCmd)
	workerCmd.AddCommand(workerTerminateCmd)
	workerCmd.AddCommand(workerDeleteCmd)
	workerCmd.AddCommand(workerRefreshCmd)
	workerCmd.AddCommand(workerIdleCmd)

	workerListCmd.Flags().String("region", "", "Cloud region")
	workerListCmd.Flags().String("status", "", "Filter by lifecycle status")
	workerListCmd.MarkFlagRequired("region")

	workerCreateCmd.Flags().String("region", "", "Cloud region")
	workerCreateCmd.Flags().String("instance-type", "", "Instance type (defaults to server setting)")
	workerCreateCmd.Flags().String("image-id", "", "Image id (defaults to newest matching image)")
	workerCreateCmd.MarkFlagRequired("region")

	workerImportCmd.Flags().String("region", "", "Cloud region")
	workerImportCmd.Flags().String("instance-id", "", "Instance id to adopt")
	workerImportCmd.Flags().String("image-name", "", "Image name pattern to match")
	workerImportCmd.Flags().Bool("all", false, "Import every matching unregistered instance")
	workerImportCmd.MarkFlagRequired("region")

	workerStopCmd.Flags().String("reason", "manual", "Reason recorded with the pause")
	workerDeleteCmd.Flags().Bool("terminate", false, "Terminate the instance before deleting")
}

// Lab commands
var labCmd = &cobra.Command{
	Use:   "lab",
	Short: "Manage labs on a worker",
}

var labListCmd = &cobra.Command{
	Use:   "list WORKER_ID",
	Short: "List cached lab records for a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		labs, err := apiClient(cmd).ListLabs(ctx, args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LAB ID\tTITLE\tSTATE\tNODES\tOWNER")
		for _, lab := range labs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				lab.LabID, lab.Title, lab.State, lab.NodeCount, lab.OwnerUsername)
		}
		return w.Flush()
	},
}

func labActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " WORKER_ID LAB_ID",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			if err := apiClient(cmd).ControlLab(ctx, args[0], args[1], action); err != nil {
				return err
			}
			fmt.Printf("Lab %s: %s\n", args[1], action)
			return nil
		},
	}
}

func init() {
	labCmd.AddCommand(labListCmd)
	labCmd.AddCommand(labActionCmd(command.LabActionStart, "Start a lab"))
	labCmd.AddCommand(labActionCmd(command.LabActionStop, "Stop a lab"))
	labCmd.AddCommand(labActionCmd(command.LabActionWipe, "Wipe a lab"))
}

// Settings commands
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show the effective system settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		settings, err := apiClient(cmd).GetSettings(ctx)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
