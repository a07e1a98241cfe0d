package errors

import (
	"context"
	"errors"

	"github.com/hashicorp/go-multierror"
	"github.com/twmb/franz-go/pkg/kerr"
)

// Kind is what the consumer does about an error.
type Kind int

const (
	KindNone Kind = iota
	// retry after a guard heartbeat and a backoff
	KindRetriable
	// crash after a guard heartbeat
	KindNonRetriable
	// crash, no heartbeat, no retry
	KindFatal
	// rejoin the group
	KindRebalanceInProgress
	KindUnknownMember
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRetriable:
		return "retriable"
	case KindNonRetriable:
		return "non_retriable"
	case KindFatal:
		return "fatal"
	case KindRebalanceInProgress:
		return "rebalance_in_progress"
	case KindUnknownMember:
		return "unknown_member"
	}
	return "unknown"
}

func (k Kind) severity() int {
	switch k {
	case KindRebalanceInProgress, KindUnknownMember:
		return 4
	case KindFatal:
		return 3
	case KindNonRetriable:
		return 2
	case KindRetriable:
		return 1
	}
	return 0
}

type retriabler interface {
	Retriable() bool
}

// Classify returns the Kind of err. For aggregated errors (multierror) the
// most severe member wins: rejoin over fatal over non-retriable over
// retriable. Errors with no recognized shape are retriable.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		kind := KindNone
		for _, e := range merr.Errors {
			if k := Classify(e); k.severity() > kind.severity() {
				kind = k
			}
		}
		return kind
	}
	var kerror *kerr.Error
	if errors.As(err, &kerror) {
		switch kerror.Code {
		case kerr.RebalanceInProgress.Code:
			return KindRebalanceInProgress
		case kerr.UnknownMemberID.Code:
			return KindUnknownMember
		}
	}
	var ferr *FatalError
	if errors.As(err, &ferr) {
		return KindFatal
	}
	var r retriabler
	if errors.As(err, &r) {
		if r.Retriable() {
			return KindRetriable
		}
		return KindNonRetriable
	}
	if kerror != nil {
		if kerror.Retriable {
			return KindRetriable
		}
		return KindNonRetriable
	}
	if errors.Is(err, context.Canceled) {
		return KindNonRetriable
	}
	return KindRetriable
}

// IsRebalancing is true for errors that require rejoining the group.
func IsRebalancing(err error) bool {
	k := Classify(err)
	return k == KindRebalanceInProgress || k == KindUnknownMember
}

// IsRetriable is true for errors worth retrying in place.
func IsRetriable(err error) bool {
	return Classify(err) == KindRetriable
}

// IsFatal is true for errors that bypass the guard heartbeat and the retry.
func IsFatal(err error) bool {
	return Classify(err) == KindFatal
}
