package objectstore

import (
	stderrors "errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	err := classify(minio.ErrorResponse{Code: "NoSuchKey", Message: "The specified key does not exist."}, "uploads/a.jpg")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "uploads/a.jpg")

	err = classify(minio.ErrorResponse{Code: "AccessDenied"}, "uploads/a.jpg")
	assert.NotErrorIs(t, err, ErrNotFound)

	err = classify(stderrors.New("connection refused"), "k")
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestNewMinio(t *testing.T) {
	m, err := NewMinio(Options{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "visionq", Region: "us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, "visionq", m.bucket)
}
