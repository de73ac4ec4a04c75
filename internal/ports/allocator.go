// Package ports picks host ports for new sandbox instances.
package ports

import (
	"errors"
	"math/rand/v2"
)

var ErrNoCapacity = errors.New("no_free_port")

// Allocate returns a port in [start, end] that is not in used, chosen
// uniformly at random among the free ones. The pick is not reserved; the
// store's unique index on running ports settles races between callers.
func Allocate(used map[int]struct{}, start, end int) (int, error) {
	if start <= 0 || end < start {
		return 0, ErrNoCapacity
	}
	free := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		if _, taken := used[p]; !taken {
			free = append(free, p)
		}
	}
	if len(free) == 0 {
		return 0, ErrNoCapacity
	}
	return free[rand.IntN(len(free))], nil
}
