package inference

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/visionq/internal/domain"
	"github.com/SirClappington/visionq/internal/metrics"
)

type Objects interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Result is the artifact written for a successful attempt, with one
// section per requested service.
type Result struct {
	JobID               string                             `json:"job_id"`
	Attempt             int                                `json:"attempt"`
	ModelSize           string                             `json:"model_size"`
	ConfidenceThreshold float64                            `json:"confidence_threshold"`
	ProcessingTime      float64                            `json:"processing_time"`
	Services            map[domain.ModelType]ServiceResult `json:"services"`
}

type ServiceResult struct {
	Device         string       `json:"device,omitempty"`
	ProcessingTime float64      `json:"processing_time"`
	TotalObjects   int          `json:"total_objects"`
	Predictions    []Prediction `json:"predictions"`
	ProcessedRef   string       `json:"processed_ref,omitempty"`
}

// Pipeline fetches the payload, runs the detector once per requested model
// type, trims the predictions to the job's parameters and stores the result
// under results/<job_id>.json. Annotated images go under
// processed/<job_id>/. Re-running an attempt overwrites the same keys.
type Pipeline struct {
	objects  Objects
	detector Detector
	now      func() time.Time
}

func NewPipeline(objects Objects, detector Detector) *Pipeline {
	return &Pipeline{objects: objects, detector: detector, now: time.Now}
}

func ResultKey(jobID string) string { return "results/" + jobID + ".json" }

func ProcessedKey(jobID string, model domain.ModelType) string {
	return "processed/" + jobID + "/" + strings.ToLower(string(model)) + ".jpg"
}

// Run fails the whole attempt when any service fails; the retry runs every
// service again.
func (p *Pipeline) Run(ctx context.Context, msg domain.DispatchMessage) (string, error) {
	image, err := p.objects.Get(ctx, msg.PayloadRef)
	if err != nil {
		return "", domain.NewExecError(domain.KindPayloadUnavailable, err)
	}
	if len(image) == 0 {
		return "", domain.NewExecError(domain.KindPayloadUnavailable, errors.Errorf("payload %s is empty", msg.PayloadRef))
	}

	models := msg.Parameters.ModelTypes
	if len(models) == 0 {
		models = domain.AllModelTypes()
	}
	res := Result{
		JobID:               msg.JobID,
		Attempt:             msg.AttemptNumber,
		ModelSize:           msg.Parameters.ModelSize,
		ConfidenceThreshold: msg.Parameters.Threshold(),
		Services:            make(map[domain.ModelType]ServiceResult, len(models)),
	}
	start := p.now()
	for _, model := range models {
		svc, err := p.service(ctx, image, model, msg)
		if err != nil {
			return "", err
		}
		res.Services[model] = svc
	}
	res.ProcessingTime = p.now().Sub(start).Seconds()

	data, err := json.Marshal(res)
	if err != nil {
		return "", domain.NewExecError(domain.KindInferenceError, errors.Wrap(err, "encode result"))
	}
	key := ResultKey(msg.JobID)
	if err := p.objects.Put(ctx, key, data, "application/json"); err != nil {
		return "", domain.NewExecError(domain.KindInferenceError, err)
	}
	return key, nil
}

func (p *Pipeline) service(ctx context.Context, image []byte, model domain.ModelType, msg domain.DispatchMessage) (ServiceResult, error) {
	start := p.now()
	det, err := p.detector.Detect(ctx, image, model, msg.Parameters)
	elapsed := p.now().Sub(start)
	metrics.InferenceDurationSeconds.
		WithLabelValues(string(model), strconv.FormatBool(err == nil)).
		Observe(elapsed.Seconds())
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return ServiceResult{}, domain.NewExecError(domain.KindTimeout, err)
		}
		return ServiceResult{}, domain.NewExecError(domain.KindInferenceError, err)
	}

	preds := Trim(det.Predictions, msg.Parameters.Threshold(), msg.Parameters.MaxObjects)
	svc := ServiceResult{
		Device:         det.Device,
		ProcessingTime: elapsed.Seconds(),
		TotalObjects:   len(preds),
		Predictions:    preds,
	}
	if len(det.AnnotatedImage) > 0 {
		key := ProcessedKey(msg.JobID, model)
		if err := p.objects.Put(ctx, key, det.AnnotatedImage, "image/jpeg"); err != nil {
			return ServiceResult{}, domain.NewExecError(domain.KindInferenceError, err)
		}
		svc.ProcessedRef = key
	}
	return svc, nil
}

// Trim keeps predictions at or above threshold, most confident first, at
// most limit of them.
func Trim(preds []Prediction, threshold float64, limit int) []Prediction {
	out := make([]Prediction, 0, len(preds))
	for _, p := range preds {
		if p.Confidence >= threshold {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
