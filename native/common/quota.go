package common

import (
	"errors"
	"math"

	"github.com/holiman/uint256"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaVolumeExceeded   = errors.New("quota volume exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures a caller's usage counters for the current epoch.
type QuotaNow struct {
	ReqCount uint32
	Volume   uint256.Int
	EpochID  uint64
}

// Quota bounds how many ledger-mutating requests and how much borrowed volume
// a single caller may push through in one epoch. Zero limits are disabled.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxVolumePerEpoch   uint256.Int
	EpochSeconds        uint32
}

// Epoch maps a unix timestamp onto the quota's epoch index.
func (q Quota) Epoch(unix int64) uint64 {
	if q.EpochSeconds == 0 || unix <= 0 {
		return 0
	}
	return uint64(unix) / uint64(q.EpochSeconds)
}

// CheckQuota verifies that the additional request and volume fit within the
// quota. On success the returned QuotaNow carries the updated counters; on
// failure prev is returned untouched.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addVolume *uint256.Int) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addVolume != nil && !addVolume.IsZero() {
		if _, overflow := next.Volume.AddOverflow(&next.Volume, addVolume); overflow {
			return prev, ErrQuotaCounterOverflow
		}
	}
	if !q.MaxVolumePerEpoch.IsZero() && next.Volume.Gt(&q.MaxVolumePerEpoch) {
		return prev, ErrQuotaVolumeExceeded
	}

	return next, nil
}
