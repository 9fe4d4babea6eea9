// Package inference turns a payload reference into a stored detection
// result, running one model per requested service. The models themselves
// run behind the Detector interface.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/visionq/internal/domain"
)

// Prediction is one object found in the image. Fields beyond class and
// confidence depend on the model type.
type Prediction struct {
	ClassName        string      `json:"class_name"`
	Confidence       float64     `json:"confidence"`
	BBox             []float64   `json:"bbox,omitempty"`
	SegmentationMask [][]float64 `json:"segmentation_mask,omitempty"`
	Keypoints        [][]float64 `json:"keypoints,omitempty"`
}

// Detection is one model's answer. AnnotatedImage, when the model server
// renders one, is the input image with the predictions drawn on it.
type Detection struct {
	Predictions    []Prediction `json:"predictions"`
	Device         string       `json:"device,omitempty"`
	AnnotatedImage []byte       `json:"annotated_image,omitempty"`
}

type Detector interface {
	Detect(ctx context.Context, image []byte, model domain.ModelType, params domain.Parameters) (*Detection, error)
}

// HTTPDetector calls a model server over HTTP:
//
//	POST <base>/v1/detect
//	{"model_type": ..., "model_size": ..., "confidence_threshold": ..., "max_objects": ..., "image": <base64>}
type HTTPDetector struct {
	base   string
	client *http.Client
}

func NewHTTPDetector(baseURL string, timeout time.Duration) *HTTPDetector {
	return &HTTPDetector{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type detectRequest struct {
	ModelType           domain.ModelType `json:"model_type"`
	ModelSize           string           `json:"model_size"`
	ConfidenceThreshold float64          `json:"confidence_threshold"`
	MaxObjects          int              `json:"max_objects"`
	Image               []byte           `json:"image"`
}

func (d *HTTPDetector) Detect(ctx context.Context, image []byte, model domain.ModelType, params domain.Parameters) (*Detection, error) {
	body, err := json.Marshal(detectRequest{
		ModelType:           model,
		ModelSize:           params.ModelSize,
		ConfidenceThreshold: params.Threshold(),
		MaxObjects:          params.MaxObjects,
		Image:               image,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode detect request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+"/v1/detect", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build detect request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "detect %s", model)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detector returned %d for %s: %s", resp.StatusCode, model, strings.TrimSpace(string(msg)))
	}
	var det Detection
	if err := json.NewDecoder(resp.Body).Decode(&det); err != nil {
		return nil, errors.Wrap(err, "decode detect response")
	}
	return &det, nil
}
