package builder

import (
	"context"
	"errors"
	"testing"
	"time"

	kerrors "github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/mkocikowski/kafkaconsumer/internal/fakebroker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func heartbeatHandler(code int16) fakebroker.Handler {
	return func(req kmsg.Request) (kmsg.Response, error) {
		resp := req.ResponseKind().(*kmsg.HeartbeatResponse)
		resp.ErrorCode = code
		return resp, nil
	}
}

func heartbeatRequest() *kmsg.HeartbeatRequest {
	req := kmsg.NewPtrHeartbeatRequest()
	req.SetVersion(3)
	req.Group = "test"
	req.Generation = 1
	req.MemberID = "m"
	return req
}

func TestUnitConnRequest(t *testing.T) {
	broker, err := fakebroker.Start(heartbeatHandler(27))
	require.NoError(t, err)
	defer broker.Close()
	reg := prometheus.NewPedanticRegistry()
	b := &Builder{Brokers: []string{broker.Addr()}, ClientID: "test", Metrics: NewMetrics(reg)}
	c, err := b.Build(context.Background(), nil)
	require.NoError(t, err)
	defer c.Close()
	for i := 0; i < 3; i++ {
		resp, err := c.Request(context.Background(), heartbeatRequest())
		require.NoError(t, err)
		require.Equal(t, int16(27), resp.(*kmsg.HeartbeatResponse).ErrorCode)
	}
	require.Equal(t, 3, broker.Count(12))
	require.Equal(t, "test", broker.Requests()[0].(*kmsg.HeartbeatRequest).Group)
	n, err := testutil.GatherAndCount(reg, "kafkaconsumer_broker_dials_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestUnitConnFlexible(t *testing.T) {
	broker, err := fakebroker.Start(heartbeatHandler(0))
	require.NoError(t, err)
	defer broker.Close()
	c := &Conn{Addr: broker.Addr()}
	defer c.Close()
	req := heartbeatRequest()
	req.SetVersion(4) // flexible
	_, err = c.Request(context.Background(), req)
	require.NoError(t, err)
}

func TestUnitConnReconnect(t *testing.T) {
	broker, err := fakebroker.Start(heartbeatHandler(0))
	require.NoError(t, err)
	defer broker.Close()
	c := &Conn{Addr: broker.Addr()}
	defer c.Close()
	_, err = c.Request(context.Background(), heartbeatRequest())
	require.NoError(t, err)
	broker.DropConnections()
	// first request after the drop fails and closes the conn, next one
	// dials again
	var failed bool
	for i := 0; i < 3; i++ {
		if _, err := c.Request(context.Background(), heartbeatRequest()); err != nil {
			failed = true
			var cerr *kerrors.ConnectionError
			require.True(t, errors.As(err, &cerr), err)
			continue
		}
		break
	}
	require.True(t, failed)
	_, err = c.Request(context.Background(), heartbeatRequest())
	require.NoError(t, err)
}

func TestUnitConnDialError(t *testing.T) {
	c := &Conn{Addr: "127.0.0.1:1", DialTimeout: time.Second}
	_, err := c.Request(context.Background(), heartbeatRequest())
	require.Error(t, err)
	require.Equal(t, kerrors.KindRetriable, kerrors.Classify(err))
}

func TestUnitConnContextCanceled(t *testing.T) {
	broker, err := fakebroker.Start(func(req kmsg.Request) (kmsg.Response, error) {
		time.Sleep(200 * time.Millisecond)
		return req.ResponseKind(), nil
	})
	require.NoError(t, err)
	defer broker.Close()
	c := &Conn{Addr: broker.Addr()}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Request(ctx, heartbeatRequest())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
