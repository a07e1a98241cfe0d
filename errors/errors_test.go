package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
)

// Errors are logged as parts of fetch exchanges, so they must marshal to
// their message.
func TestUnitErrorMarshal(t *testing.T) {
	cause := errors.New("eof")
	exchange := struct {
		Partition int32 `json:"partition"`
		Error     error `json:"error"`
	}{Partition: 3}
	for _, tc := range []struct {
		err  error
		want string
	}{
		{nil, `{"partition":3,"error":null}`},
		{Wrap(nil), `{"partition":3,"error":null}`},
		{cause, `{"partition":3,"error":{}}`},
		{Format("fetch: %w", cause), `{"partition":3,"error":"fetch: eof"}`},
		{NewConfigError("group is required"), `{"partition":3,"error":"invalid config: group is required"}`},
		{
			Protocol("heartbeat", 27),
			`{"partition":3,"error":"heartbeat: REBALANCE_IN_PROGRESS: The group is rebalancing, so a rejoin is needed."}`,
		},
		{NonRetriable(Format("quoted %q", "x")), `{"partition":3,"error":"quoted \"x\""}`},
	} {
		exchange.Error = tc.err
		b, err := json.Marshal(exchange)
		require.NoError(t, err)
		require.Equal(t, tc.want, string(b), "%v", tc.err)
	}
}

func TestUnitErrorIs(t *testing.T) {
	cause := errors.New("eof")
	require.True(t, Is(Format("fetch: %w", cause), cause))
	require.True(t, Is(Wrap(Protocol("fetch", 1)), kerr.OffsetOutOfRange))
}

func TestUnitClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{errors.New("generic"), KindRetriable},
		{Protocol("heartbeat", kerr.RebalanceInProgress.Code), KindRebalanceInProgress},
		{Protocol("sync", kerr.UnknownMemberID.Code), KindUnknownMember},
		{fmt.Errorf("wrapped: %w", Protocol("fetch", 27)), KindRebalanceInProgress},
		{kerr.RebalanceInProgress, KindRebalanceInProgress},
		{Protocol("fetch", kerr.NotLeaderForPartition.Code), KindRetriable},
		{Protocol("commit", kerr.IllegalGeneration.Code), KindNonRetriable},
		{Protocol("commit", 31337), KindNonRetriable},
		{ErrNotImplemented, KindFatal},
		{ErrNoBrokerAvailable, KindFatal},
		{Fatal(errors.New("boom")), KindFatal},
		{&ConfigError{Index: 0, Message: "empty"}, KindNonRetriable},
		{NewConnectionError(errors.New("refused"), "dial"), KindRetriable},
		{NonRetriable(errors.New("bad input")), KindNonRetriable},
		{Retriable(Protocol("commit", kerr.IllegalGeneration.Code)), KindRetriable},
		{&RetriesExceeded{Cause: errors.New("x"), Retries: 3}, KindNonRetriable},
		{context.Canceled, KindNonRetriable},
		{context.DeadlineExceeded, KindRetriable},
	}
	for i, test := range tests {
		require.Equal(t, test.want, Classify(test.err), "%d: %v", i, test.err)
	}
}

func TestUnitClassifyMultierror(t *testing.T) {
	var merr *multierror.Error
	merr = multierror.Append(merr, errors.New("retry me"))
	require.Equal(t, KindRetriable, Classify(merr.ErrorOrNil()))
	merr = multierror.Append(merr, NonRetriable(errors.New("bad")))
	require.Equal(t, KindNonRetriable, Classify(merr.ErrorOrNil()))
	merr = multierror.Append(merr, ErrNotImplemented)
	require.Equal(t, KindFatal, Classify(merr.ErrorOrNil()))
	merr = multierror.Append(merr, Protocol("fetch", kerr.UnknownMemberID.Code))
	require.Equal(t, KindUnknownMember, Classify(merr.ErrorOrNil()))
	require.True(t, IsRebalancing(merr))
}

func TestUnitConfigErrorMessage(t *testing.T) {
	err := &ConfigError{Index: 2, Message: "empty broker entry"}
	require.Equal(t, "invalid config: broker 2: empty broker entry", err.Error())
	err = &ConfigError{Index: 0, Entry: "localhost", Message: "missing port"}
	require.Contains(t, err.Error(), `"localhost"`)
	require.Equal(t, "invalid config: concurrency must be >0", NewConfigError("concurrency must be >0").Error())
}

func TestUnitConnectionError(t *testing.T) {
	cause := errors.New("no such host")
	err := NewConnectionError(cause, "failed to resolve brokers")
	require.Equal(t, "failed to resolve brokers: no such host", err.Error())
	require.True(t, errors.Is(err, cause))
	require.Same(t, cause, err.Cause)
	require.NotEmpty(t, err.StackTrace())
	require.Contains(t, fmt.Sprintf("%+v", err), "TestUnitConnectionError")
}

func TestUnitRetriesExceeded(t *testing.T) {
	cause := errors.New("handler failed")
	err := &RetriesExceeded{Cause: cause, Retries: 0}
	require.True(t, errors.Is(err, cause))
	var re *RetriesExceeded
	require.True(t, errors.As(fmt.Errorf("crash: %w", err), &re))
	require.Equal(t, 0, re.Retries)
}
