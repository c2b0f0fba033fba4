package command_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/na62exp/eventbuilder/internal/command"
)

func TestUDSClientServerRoundTrip(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "eventbuilder.sock")

	h := command.NewCommandHandler(newFakeBuilder(t), nil)
	server := command.NewUDSServer(socketPath, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	require.Eventually(t, func() bool {
		client := command.NewUDSClient(socketPath, 200*time.Millisecond)
		return client.Ping(context.Background()) == nil
	}, 2*time.Second, 10*time.Millisecond)

	client := command.NewUDSClient(socketPath, time.Second)

	statusResp, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, statusResp.Error)

	statsResp, err := client.Stats(context.Background())
	require.NoError(t, err)
	assert.Nil(t, statsResp.Error)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after context cancellation")
	}
}
