package main

import (
	"github.com/spf13/cobra"

	"github.com/SirClappington/visionq/internal/app"
	"github.com/SirClappington/visionq/internal/domain"
)

var submitOpts struct {
	owner      string
	payload    string
	confidence float64
	maxObjects int
	modelTypes []string
	modelSize  string
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Create a job for an uploaded image",
	RunE: func(cmd *cobra.Command, args []string) error {
		params := domain.Parameters{
			MaxObjects: submitOpts.maxObjects,
			ModelSize:  submitOpts.modelSize,
		}
		for _, t := range submitOpts.modelTypes {
			params.ModelTypes = append(params.ModelTypes, domain.ModelType(t))
		}
		if cmd.Flags().Changed("confidence") {
			params.ConfidenceThreshold = domain.Float(submitOpts.confidence)
		}
		return withDeps(cmd.Context(), func(d *app.Deps) error {
			job, err := d.Orch.CreateJob(cmd.Context(), submitOpts.owner, submitOpts.payload, params)
			if err != nil {
				return err
			}
			return printJSON(cmd, job.Status())
		})
	},
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitOpts.owner, "owner", "", "owner id of the job")
	f.StringVar(&submitOpts.payload, "payload", "", "object key of the image")
	f.Float64Var(&submitOpts.confidence, "confidence", domain.DefaultConfidenceThreshold, "confidence threshold between 0 and 1")
	f.IntVar(&submitOpts.maxObjects, "max-objects", domain.DefaultMaxObjects, "maximum number of objects kept")
	f.StringSliceVar(&submitOpts.modelTypes, "model-types", nil, "services to run: DETECTION, SEGMENTATION, CLASSIFICATION, POSE (default all)")
	f.StringVar(&submitOpts.modelSize, "model-size", domain.DefaultModelSize, "nano, small, medium, large or extreme")
	_ = submitCmd.MarkFlagRequired("owner")
	_ = submitCmd.MarkFlagRequired("payload")
	rootCmd.AddCommand(submitCmd)
}
