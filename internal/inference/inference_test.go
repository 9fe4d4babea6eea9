package inference

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/visionq/internal/domain"
	"github.com/SirClappington/visionq/internal/objectstore"
)

type memObjects struct {
	mu   sync.Mutex
	objs map[string][]byte
	ct   map[string]string
}

func newMemObjects() *memObjects {
	return &memObjects{objs: map[string][]byte{}, ct: map[string]string{}}
}

func (m *memObjects) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objs[key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return b, nil
}

func (m *memObjects) Put(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objs[key] = data
	m.ct[key] = contentType
	return nil
}

type detectorFunc func(ctx context.Context, image []byte, model domain.ModelType, params domain.Parameters) (*Detection, error)

func (f detectorFunc) Detect(ctx context.Context, image []byte, model domain.ModelType, params domain.Parameters) (*Detection, error) {
	return f(ctx, image, model, params)
}

func msg(models ...domain.ModelType) domain.DispatchMessage {
	return domain.DispatchMessage{
		JobID:         "job-1",
		AttemptNumber: 2,
		PayloadRef:    "uploads/img1.jpg",
		Parameters: domain.Parameters{
			ConfidenceThreshold: domain.Float(0.5),
			MaxObjects:          2,
			ModelTypes:          models,
		}.WithDefaults(),
	}
}

func TestTrim(t *testing.T) {
	preds := []Prediction{
		{ClassName: "apple", Confidence: 0.6},
		{ClassName: "pear", Confidence: 0.4},
		{ClassName: "banana", Confidence: 0.9},
		{ClassName: "kiwi", Confidence: 0.5},
	}
	got := Trim(preds, 0.5, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "banana", got[0].ClassName)
	assert.Equal(t, "apple", got[1].ClassName)

	assert.Len(t, Trim(preds, 0, 0), 4, "no limit")
	assert.Empty(t, Trim(preds, 0.95, 10))
}

func TestPipelineWritesResult(t *testing.T) {
	objs := newMemObjects()
	objs.objs["uploads/img1.jpg"] = []byte("jpeg-bytes")

	var seen []domain.ModelType
	p := NewPipeline(objs, detectorFunc(func(_ context.Context, image []byte, model domain.ModelType, _ domain.Parameters) (*Detection, error) {
		assert.Equal(t, []byte("jpeg-bytes"), image)
		seen = append(seen, model)
		return &Detection{Device: "cpu", Predictions: []Prediction{
			{ClassName: "apple", Confidence: 0.7, BBox: []float64{1, 2, 3, 4}},
			{ClassName: "pear", Confidence: 0.2},
			{ClassName: "banana", Confidence: 0.8},
			{ClassName: "kiwi", Confidence: 0.55},
		}}, nil
	}))

	key, err := p.Run(context.Background(), msg(domain.ModelDetection))
	require.NoError(t, err)
	assert.Equal(t, "results/job-1.json", key)
	assert.Equal(t, []domain.ModelType{domain.ModelDetection}, seen)
	assert.Equal(t, "application/json", objs.ct[key])

	var res Result
	require.NoError(t, json.Unmarshal(objs.objs[key], &res))
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, 2, res.Attempt)
	assert.Equal(t, 0.5, res.ConfidenceThreshold)
	require.Len(t, res.Services, 1)
	det := res.Services[domain.ModelDetection]
	assert.Equal(t, "cpu", det.Device)
	assert.Equal(t, 2, det.TotalObjects)
	assert.Equal(t, "banana", det.Predictions[0].ClassName)
	assert.Equal(t, "apple", det.Predictions[1].ClassName)
	assert.Empty(t, det.ProcessedRef)

	// A retry overwrites the same artifact.
	key2, err := p.Run(context.Background(), msg(domain.ModelDetection))
	require.NoError(t, err)
	assert.Equal(t, key, key2)
	assert.Len(t, objs.objs, 2)
}

func TestPipelineRunsEveryRequestedService(t *testing.T) {
	objs := newMemObjects()
	objs.objs["uploads/img1.jpg"] = []byte("jpeg-bytes")

	p := NewPipeline(objs, detectorFunc(func(_ context.Context, _ []byte, model domain.ModelType, _ domain.Parameters) (*Detection, error) {
		det := &Detection{Predictions: []Prediction{{ClassName: string(model), Confidence: 0.9}}}
		if model == domain.ModelSegmentation {
			det.AnnotatedImage = []byte("drawn")
		}
		return det, nil
	}))

	key, err := p.Run(context.Background(), msg())
	require.NoError(t, err)

	var res Result
	require.NoError(t, json.Unmarshal(objs.objs[key], &res))
	require.Len(t, res.Services, 4, "all model types by default")
	for _, model := range domain.AllModelTypes() {
		svc, ok := res.Services[model]
		require.True(t, ok, model)
		assert.Equal(t, string(model), svc.Predictions[0].ClassName)
	}

	seg := res.Services[domain.ModelSegmentation]
	assert.Equal(t, "processed/job-1/segmentation.jpg", seg.ProcessedRef)
	assert.Equal(t, []byte("drawn"), objs.objs[seg.ProcessedRef])
	assert.Equal(t, "image/jpeg", objs.ct[seg.ProcessedRef])
}

func TestPipelineFailsAttemptWhenOneServiceFails(t *testing.T) {
	objs := newMemObjects()
	objs.objs["uploads/img1.jpg"] = []byte("x")

	p := NewPipeline(objs, detectorFunc(func(_ context.Context, _ []byte, model domain.ModelType, _ domain.Parameters) (*Detection, error) {
		if model == domain.ModelPose {
			return nil, stderrors.New("pose model not loaded")
		}
		return &Detection{}, nil
	}))

	_, err := p.Run(context.Background(), msg(domain.ModelDetection, domain.ModelPose))
	assert.Equal(t, domain.KindInferenceError, domain.KindOf(err))
	assert.NotContains(t, objs.objs, ResultKey("job-1"))
}

func TestPipelineFailureKinds(t *testing.T) {
	ok := detectorFunc(func(context.Context, []byte, domain.ModelType, domain.Parameters) (*Detection, error) {
		return &Detection{}, nil
	})

	p := NewPipeline(newMemObjects(), ok)
	_, err := p.Run(context.Background(), msg())
	assert.Equal(t, domain.KindPayloadUnavailable, domain.KindOf(err))
	assert.ErrorIs(t, err, objectstore.ErrNotFound)

	empty := newMemObjects()
	empty.objs["uploads/img1.jpg"] = nil
	_, err = NewPipeline(empty, ok).Run(context.Background(), msg())
	assert.Equal(t, domain.KindPayloadUnavailable, domain.KindOf(err))

	objs := newMemObjects()
	objs.objs["uploads/img1.jpg"] = []byte("x")
	_, err = NewPipeline(objs, detectorFunc(func(context.Context, []byte, domain.ModelType, domain.Parameters) (*Detection, error) {
		return nil, stderrors.New("cuda out of memory")
	})).Run(context.Background(), msg())
	assert.Equal(t, domain.KindInferenceError, domain.KindOf(err))

	_, err = NewPipeline(objs, detectorFunc(func(context.Context, []byte, domain.ModelType, domain.Parameters) (*Detection, error) {
		return nil, context.DeadlineExceeded
	})).Run(context.Background(), msg())
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
}

func TestHTTPDetector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/detect", r.URL.Path)

		var req detectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, domain.ModelPose, req.ModelType)
		assert.Equal(t, "small", req.ModelSize)
		assert.Equal(t, 0.5, req.ConfidenceThreshold)
		assert.Equal(t, []byte("img"), req.Image)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"device":"cuda:0","predictions":[{"class_name":"dog","confidence":0.91,"bbox":[0,0,10,10]}]}`))
	}))
	defer srv.Close()

	det, err := NewHTTPDetector(srv.URL+"/", time.Second).Detect(context.Background(), []byte("img"), domain.ModelPose, msg().Parameters)
	require.NoError(t, err)
	assert.Equal(t, "cuda:0", det.Device)
	require.Len(t, det.Predictions, 1)
	assert.Equal(t, "dog", det.Predictions[0].ClassName)
	assert.Equal(t, []float64{0, 0, 10, 10}, det.Predictions[0].BBox)
}

func TestHTTPDetectorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPDetector(srv.URL, time.Second).Detect(context.Background(), []byte("img"), domain.ModelPose, msg().Parameters)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestHTTPDetectorHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTPDetector(srv.URL, time.Minute).Detect(ctx, []byte("img"), domain.ModelPose, msg().Parameters)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
