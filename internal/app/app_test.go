package app

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/visionq/internal/config"
	"github.com/SirClappington/visionq/internal/queue"
)

func TestNewTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	tr, err := NewTransport(config.Config{Broker: "redis", QueueName: "vq", DefaultVT: 60}, rdb)
	require.NoError(t, err)
	_, ok := tr.(queue.Maintainer)
	assert.True(t, ok, "redis transport needs maintenance")

	_, err = NewTransport(config.Config{Broker: "sqs"}, rdb)
	assert.Error(t, err)
}
