package jail

import (
	"errors"
	"fmt"
	"math"
)

// WindowLength is the number of one-second slices kept by a Counter.
const WindowLength = 60

// ErrInvalidArgument is returned for negative amounts and thresholds.
var ErrInvalidArgument = errors.New("invalid argument")

// Counter is a rolling count of events over the last WindowLength seconds,
// sampled at one slice per Tick. The running sum is maintained on every
// mutation and always equals the total of all slices.
//
// Counter is not safe for concurrent use; State serialises access.
type Counter struct {
	slices [WindowLength]int64
	head   int // index of the oldest slice
	sum    int64
}

// NewCounter returns a zeroed Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// Increment adds amount to the current second.
func (c *Counter) Increment(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: amount %d is negative", ErrInvalidArgument, amount)
	}
	if amount > math.MaxInt64-c.sum {
		return fmt.Errorf("%w: amount %d overflows window sum %d", ErrInvalidArgument, amount, c.sum)
	}
	c.slices[c.newest()] += amount
	c.sum += amount
	return nil
}

// Tick drops the oldest second and opens a new empty one.
func (c *Counter) Tick() {
	c.sum -= c.slices[c.head]
	c.slices[c.head] = 0
	c.head = (c.head + 1) % WindowLength
}

// Latest returns the count of the current (still filling) second.
func (c *Counter) Latest() int64 {
	return c.slices[c.newest()]
}

// Sum returns the total over the window.
func (c *Counter) Sum() int64 {
	return c.sum
}

// Slices returns a copy of the window, oldest first.
func (c *Counter) Slices() []int64 {
	out := make([]int64, WindowLength)
	for i := 0; i < WindowLength; i++ {
		out[i] = c.slices[(c.head+i)%WindowLength]
	}
	return out
}

func (c *Counter) newest() int {
	return (c.head + WindowLength - 1) % WindowLength
}
