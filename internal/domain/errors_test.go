package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"wrapped closed", fmt.Errorf("ledger: join c1: %w", ErrCampaignClosed), KindCampaignClosed},
		{"capacity", ErrCapacityExceeded, KindCapacityExceeded},
		{"contention", fmt.Errorf("x: %w", ErrContention), KindContention},
		{"bare deadline", context.DeadlineExceeded, KindTimeout},
		{"unknown driver error", errors.New("connection reset"), KindPersistence},
		{
			name: "partial failure wins over wrapped cause",
			err:  fmt.Errorf("%w: %w", ErrPartialFailure, ErrTimeout),
			want: KindPartialFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(KindContention))
	assert.True(t, IsRetryable(KindTimeout))
	assert.False(t, IsRetryable(KindCapacityExceeded))
	assert.False(t, IsRetryable(KindPartialFailure))
	assert.False(t, IsRetryable(KindInvalidArgument))
}
