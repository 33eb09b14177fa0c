package envelope

import (
	"crypto/rand"
	"math/big"
	"time"
)

// TimestampWindow is how far into the past seal and wrap timestamps are
// randomized. Required by the transport convention: it blurs the
// correlation between send time and transmission.
const TimestampWindow = 2 * 24 * time.Hour

var twoDaysSeconds = big.NewInt(int64(TimestampWindow / time.Second))

// nowSeconds returns the current unix time in seconds.
func nowSeconds() int64 {
	return time.Now().Unix()
}

// randomPastTimestamp returns a uniformly random timestamp within the
// past two days. Seal and wrap each draw independently, so wrap
// timestamps are not monotonic with send order.
func randomPastTimestamp() int64 {
	offset, err := rand.Int(rand.Reader, twoDaysSeconds)
	if err != nil {
		return nowSeconds()
	}
	return nowSeconds() - offset.Int64()
}
