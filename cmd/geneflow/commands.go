package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/geneflow/geneflow-go/internal/dag"
	"github.com/geneflow/geneflow-go/internal/definition"
	"github.com/geneflow/geneflow-go/internal/errdefs"
	"github.com/geneflow/geneflow-go/internal/state"
)

var runCmd = &cobra.Command{
	Use:   "run [job.yaml]",
	Short: "Run a job in this process",
	Long: `Create a job from a job document and run it to completion.

Examples:
  # Workflow path taken from the job document
  geneflow run job.yaml

  # Override the workflow and the apps directory
  geneflow run job.yaml --workflow ./workflow.yaml --apps ./apps

  # Only create the job; start it later with "geneflow resume"
  geneflow run job.yaml --wait=false

An interrupted run leaves the job resumable with "geneflow resume <job-id>"
when a shared store is configured.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runJob(cmd, args[0])
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [workflow.yaml]",
	Short: "Check a workflow and its apps without running anything",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		validateWorkflow(cmd, args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show the status of a job and its steps",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		showStatus(cmd, args[0])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cancelJob(args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Resume a failed, cancelled or interrupted job",
	Long: `Reset every instance that did not finish and run the job again. Finished
instances are kept.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		resumeJob(cmd, args[0])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Run: func(cmd *cobra.Command, args []string) {
		listJobs(cmd)
	},
}

func init() {
	runCmd.Flags().String("workflow", "", "Workflow file (overrides the job document)")
	runCmd.Flags().String("apps", "", "Directory holding app definitions")
	runCmd.Flags().Bool("wait", true, "Run the job and wait for it to settle")
	runCmd.Flags().Bool("json", false, "Print the final report as JSON")

	validateCmd.Flags().String("apps", "", "Directory holding app definitions")

	statusCmd.Flags().Bool("json", false, "Print the report as JSON")

	resumeCmd.Flags().Bool("wait", true, "Run the job and wait for it to settle")
	resumeCmd.Flags().Bool("json", false, "Print the final report as JSON")

	listCmd.Flags().String("status", "", "Filter by status (pending, running, finished, failed, cancelled)")
}

// interruptible returns a context cancelled on SIGINT or SIGTERM
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runJob(cmd *cobra.Command, path string) {
	workflowPath, _ := cmd.Flags().GetString("workflow")
	appsDir, _ := cmd.Flags().GetString("apps")
	wait, _ := cmd.Flags().GetBool("wait")
	asJSON, _ := cmd.Flags().GetBool("json")

	spec, err := definition.LoadJobSpec(path)
	if err != nil {
		log.Fatalf("Failed to load job: %v", err)
	}
	if workflowPath != "" {
		spec.Workflow = workflowPath
	}
	if spec.Workflow == "" {
		log.Fatalf("Job %q names no workflow; pass --workflow", spec.Name)
	}

	ctx, stop := interruptible()
	defer stop()

	rt, err := newServices(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	defer rt.Close()

	src, err := definition.LoadFiles(spec.Workflow, appsDir)
	if err != nil {
		fatalDefinition(err)
	}
	bundle, err := rt.engine.Validate(src)
	if err != nil {
		fatalDefinition(err)
	}

	job, err := rt.engine.Submit(ctx, bundle, spec)
	if err != nil {
		fatalDefinition(err)
	}
	fmt.Printf("Job %s created\n", job.ID)
	fmt.Printf("  Name:   %s\n", job.Name)
	fmt.Printf("  Work:   %s\n", job.WorkDir)
	fmt.Printf("  Output: %s\n", job.OutputDir)

	if !wait {
		return
	}
	settle(ctx, rt, job.ID, asJSON)
}

// settle runs jobID in this process and prints the final report
func settle(ctx context.Context, rt *services, jobID string, asJSON bool) {
	report, err := rt.engine.Run(ctx, jobID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Printf("\nInterrupted. Resume with: geneflow resume %s\n", jobID)
			rt.Close()
			os.Exit(130)
		}
		log.Fatalf("Job %s failed to run: %v", jobID, err)
	}

	printReport(report, asJSON)
	if report.Status != state.StatusFinished {
		rt.Close()
		os.Exit(1)
	}
}

func validateWorkflow(cmd *cobra.Command, path string) {
	appsDir, _ := cmd.Flags().GetString("apps")

	src, err := definition.LoadFiles(path, appsDir)
	if err != nil {
		fatalDefinition(err)
	}
	bundle, err := definition.Parse(src)
	if err != nil {
		fatalDefinition(err)
	}
	graph, err := dag.Build(bundle.Workflow.Steps)
	if err != nil {
		fatalDefinition(err)
	}

	fmt.Printf("Workflow %q is valid\n", bundle.Workflow.Name)
	fmt.Printf("  ID:    %s\n", bundle.Workflow.ID)
	fmt.Printf("  Apps:  %d\n", len(bundle.Apps))
	fmt.Printf("  Roots: %s\n", strings.Join(graph.Roots(), ", "))
	fmt.Printf("  Steps: %s\n", strings.Join(graph.Order(), " -> "))
}

func showStatus(cmd *cobra.Command, jobID string) {
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx := context.Background()
	rt, err := newServices(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	defer rt.Close()

	report, err := rt.engine.Status(ctx, jobID)
	if err != nil {
		log.Fatalf("Failed to get job status: %v", err)
	}
	printReport(report, asJSON)
}

func cancelJob(jobID string) {
	ctx := context.Background()
	rt, err := newServices(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	defer rt.Close()

	if err := rt.engine.Cancel(ctx, jobID); err != nil {
		log.Fatalf("Failed to cancel job: %v", err)
	}
	fmt.Printf("Job %s cancellation requested\n", jobID)
}

func resumeJob(cmd *cobra.Command, jobID string) {
	wait, _ := cmd.Flags().GetBool("wait")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, stop := interruptible()
	defer stop()

	rt, err := newServices(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	defer rt.Close()

	job, err := rt.engine.Resume(ctx, jobID)
	if err != nil {
		log.Fatalf("Failed to resume job: %v", err)
	}
	fmt.Printf("Job %s resumed\n", job.ID)

	if !wait {
		return
	}
	settle(ctx, rt, job.ID, asJSON)
}

func listJobs(cmd *cobra.Command) {
	filter, _ := cmd.Flags().GetString("status")

	ctx := context.Background()
	rt, err := newServices(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	defer rt.Close()

	jobs, err := rt.engine.List(ctx, state.Status(strings.ToUpper(filter)))
	if err != nil {
		log.Fatalf("Failed to list jobs: %v", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tQUEUED\tFINISHED")
	for _, job := range jobs {
		finished := "-"
		if job.Finished != nil {
			finished = job.Finished.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", job.ID, job.Name, job.Status, job.Queued.Format(time.RFC3339), finished)
	}
	w.Flush()
}

func printReport(report *state.Report, asJSON bool) {
	if asJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			log.Fatalf("Failed to encode report: %v", err)
		}
		fmt.Println(string(data))
		return
	}

	job := report.Job
	fmt.Printf("Job:     %s (%s)\n", job.Name, job.ID)
	fmt.Printf("Status:  %s\n", report.Status)
	if job.Message != "" {
		fmt.Printf("Message: %s\n", job.Message)
	}
	fmt.Printf("Output:  %s\n\n", job.OutputDir)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tNAME\tOUTCOME\tPENDING\tRUNNING\tFINISHED\tFAILED\tCANCELLED\tMESSAGE")
	for _, s := range report.Steps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n", s.Step, s.Name, s.Outcome,
			s.Counts[state.StatusPending], s.Counts[state.StatusRunning], s.Counts[state.StatusFinished],
			s.Counts[state.StatusFailed], s.Counts[state.StatusCancelled], s.Message)
	}
	w.Flush()

	for _, s := range report.Steps {
		for _, inst := range s.Instances {
			if inst.Status != state.StatusFailed {
				continue
			}
			fmt.Printf("\n%s/%s failed (attempt %d/%d, exit %d): %s\n", s.Step, inst.InstanceID,
				inst.Attempt, inst.MaxAttempts, inst.ExitCode, inst.Message)
			fmt.Printf("  logs: %s\n", filepath.Join(job.WorkDir, "_log", s.Step))
		}
	}
}

// fatalDefinition prints every issue of a definition error before exiting
func fatalDefinition(err error) {
	var defErr *errdefs.DefinitionError
	if errors.As(err, &defErr) {
		fmt.Fprintf(os.Stderr, "Invalid definition (%d issues):\n", len(defErr.Issues))
		for _, issue := range defErr.Issues {
			fmt.Fprintf(os.Stderr, "  - %s\n", issue.String())
		}
		os.Exit(2)
	}
	log.Fatalf("%v", err)
}
