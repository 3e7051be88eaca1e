package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/eventcast/internal/app"
	"github.com/foxzi/eventcast/internal/campaign"
	"github.com/foxzi/eventcast/internal/models"
)

var (
	eventID      string
	templateID   string
	jobID        string
	channel      string
	segmentation string
	batchID      string
	abort        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the next pending job once",
	RunE:  runWorkerOnce,
}

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "Fire due automations and follow-ups once",
	RunE:  runTriggersOnce,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a campaign job",
	Long: `Enqueue a campaign job for an event. The segmentation is a JSON rule set,
given inline or as @file, e.g. '{"rules":[{"type":"vip_only"}]}'.`,
	RunE: runEnqueue,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop or abort a processing job",
	RunE:  runStop,
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Show a job and its delivery stats",
	RunE:  runShowJob,
}

func init() {
	enqueueCmd.Flags().StringVar(&eventID, "event", "", "Event ID (required)")
	enqueueCmd.Flags().StringVar(&templateID, "template", "", "Template ID (required)")
	enqueueCmd.Flags().StringVar(&channel, "channel", "email", "Channel: email or sms")
	enqueueCmd.Flags().StringVar(&segmentation, "segment", `{"rules":[{"type":"all"}]}`, "Segmentation JSON or @file")
	enqueueCmd.Flags().StringVar(&batchID, "batch", "", "Batch ID to group jobs")
	enqueueCmd.MarkFlagRequired("event")
	enqueueCmd.MarkFlagRequired("template")

	for _, c := range []*cobra.Command{stopCmd, jobCmd} {
		c.Flags().StringVar(&eventID, "event", "", "Event ID (required)")
		c.Flags().StringVar(&jobID, "job", "", "Job ID (required)")
		c.MarkFlagRequired("event")
		c.MarkFlagRequired("job")
	}
	stopCmd.Flags().BoolVar(&abort, "abort", false, "Abort the job as failed_manual instead of stopping it")

	rootCmd.AddCommand(runCmd, triggersCmd, enqueueCmd, stopCmd, jobCmd)
}

// withApp builds the application without starting its servers
func withApp(fn func(ctx context.Context, svc *campaign.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	return fn(context.Background(), application.Campaigns())
}

func runWorkerOnce(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, svc *campaign.Service) error {
		res := svc.RunNextPendingJob(ctx)
		if !res.Processed {
			fmt.Println("No pending jobs")
			return nil
		}
		fmt.Printf("Job %s finished: %s\n", res.JobID, res.Status)
		return res.Err
	})
}

func runTriggersOnce(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, svc *campaign.Service) error {
		report, err := svc.RunDueTriggers(ctx, time.Now())
		if err != nil {
			return err
		}
		return printJSON(report)
	})
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	raw := []byte(segmentation)
	if path, ok := strings.CutPrefix(segmentation, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read segmentation file: %w", err)
		}
		raw = data
	}
	seg, err := models.ParseSegmentation(raw)
	if err != nil {
		return err
	}

	return withApp(func(ctx context.Context, svc *campaign.Service) error {
		job, err := svc.Enqueue(ctx, campaign.EnqueueRequest{
			EventID:      eventID,
			TemplateID:   templateID,
			Channel:      models.Channel(channel),
			Segmentation: seg,
			BatchID:      batchID,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Job %s enqueued for %d recipients\n", job.ID, job.TotalCount)
		return nil
	})
}

func runStop(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, svc *campaign.Service) error {
		halt := svc.StopJob
		if abort {
			halt = svc.AbortJob
		}
		job, err := halt(ctx, eventID, jobID)
		if err != nil {
			return err
		}
		fmt.Printf("Job %s is now %s\n", job.ID, job.Status)
		return nil
	})
}

func runShowJob(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, svc *campaign.Service) error {
		job, err := svc.GetJob(ctx, eventID, jobID)
		if err != nil {
			return err
		}
		_, _, stats, err := svc.Deliveries(ctx, eventID, models.DeliveryFilter{JobID: jobID, Limit: 1})
		if err != nil {
			return err
		}
		return printJSON(struct {
			Job   *models.Job          `json:"job"`
			Stats models.DeliveryStats `json:"stats"`
		}{job, stats})
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
