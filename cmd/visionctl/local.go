package main

import (
	"github.com/spf13/cobra"

	"github.com/SirClappington/visionq/internal/app"
	"github.com/SirClappington/visionq/internal/config"
	"github.com/SirClappington/visionq/internal/domain"
	"github.com/SirClappington/visionq/internal/inference"
	"github.com/SirClappington/visionq/internal/logging"
	"github.com/SirClappington/visionq/internal/objectstore"
)

var localOpts struct {
	owner      string
	payload    string
	modelTypes []string
}

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Run one job to completion in this process without Postgres or Redis",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.LoadLocal(); err != nil {
			return err
		}
		logger, err = logging.New("visionctl", true, cfg.LogLevel)
		return err
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		objs, err := objectstore.NewMinio(objectstore.Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return err
		}
		if err := objs.EnsureBucket(ctx); err != nil {
			return err
		}

		var params domain.Parameters
		for _, t := range localOpts.modelTypes {
			params.ModelTypes = append(params.ModelTypes, domain.ModelType(t))
		}
		pipeline := inference.NewPipeline(objs, inference.NewHTTPDetector(cfg.DetectorURL, cfg.InferenceTimeout))
		v, err := app.RunLocal(ctx, cfg, logger, pipeline, localOpts.owner, localOpts.payload, params)
		if err != nil {
			return err
		}
		return printJSON(cmd, v)
	},
}

func init() {
	f := localCmd.Flags()
	f.StringVar(&localOpts.owner, "owner", "local", "owner id of the job")
	f.StringVar(&localOpts.payload, "payload", "", "object key of the image")
	f.StringSliceVar(&localOpts.modelTypes, "model-types", nil, "services to run (default all)")
	_ = localCmd.MarkFlagRequired("payload")
	rootCmd.AddCommand(localCmd)
}
